package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"consultroom/internal/events"
)

const sinkTimeout = 5 * time.Second

// Notifier delivers call-ended events to an external system.
type Notifier interface {
	Notify(ctx context.Context, ev events.CallEnded) error
}

// Broadcaster forwards call-ended events from the bus to local stream
// subscribers and to every configured Notifier.
type Broadcaster struct {
	Mu      sync.Mutex
	Clients map[chan events.CallEnded]bool

	sinks []Notifier
	log   *slog.Logger
}

func NewBroadcaster(bus *events.Bus, log *slog.Logger, sinks ...Notifier) *Broadcaster {
	b := &Broadcaster{
		Clients: make(map[chan events.CallEnded]bool),
		sinks:   sinks,
		log:     log,
	}
	go func() {
		for ev := range bus.CallEnded {
			b.Publish(ev)
			b.notify(ev)
		}
	}()
	return b
}

func (b *Broadcaster) Subscribe() chan events.CallEnded {
	ch := make(chan events.CallEnded, 10)
	b.Mu.Lock()
	b.Clients[ch] = true
	b.Mu.Unlock()
	return ch
}

func (b *Broadcaster) Unsubscribe(ch chan events.CallEnded) {
	b.Mu.Lock()
	delete(b.Clients, ch)
	b.Mu.Unlock()
	close(ch)
}

func (b *Broadcaster) Publish(ev events.CallEnded) {
	b.Mu.Lock()
	defer b.Mu.Unlock()
	for ch := range b.Clients {
		select {
		case ch <- ev:
		default:
			// skip subscribers that stopped reading
		}
	}
}

func (b *Broadcaster) notify(ev events.CallEnded) {
	for _, s := range b.sinks {
		go func(s Notifier) {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			defer cancel()
			if err := s.Notify(ctx, ev); err != nil {
				b.log.Warn("notify.failed", "room", ev.RoomID, "err", err)
			}
		}(s)
	}
}
