package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"consultroom/internal/events"
)

const DefaultChannel = "consult:call-ended"

// RedisNotifier publishes call-ended events on a Redis pub/sub channel for
// the notification service to consume.
type RedisNotifier struct {
	rdb      *redis.Client
	channel  string
	instance string
	log      *slog.Logger
}

// NewRedisNotifier connects to redis and verifies connectivity.
func NewRedisNotifier(ctx context.Context, addr string, db int, channel string, log *slog.Logger) (*RedisNotifier, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{rdb: rdb, channel: channel, instance: uuid.NewString(), log: log}, nil
}

func (n *RedisNotifier) Notify(ctx context.Context, ev events.CallEnded) error {
	if ev.Origin == "" {
		ev.Origin = n.instance
	}
	raw, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := n.rdb.Publish(ctx, n.channel, raw).Err(); err != nil {
		return fmt.Errorf("publishing call ended: %w", err)
	}
	n.log.Debug("notify.published", "room", ev.RoomID, "channel", n.channel)
	return nil
}

// Subscribe listens on the notifier channel and invokes fn for each event
// published by another instance. It returns when ctx is done.
func (n *RedisNotifier) Subscribe(ctx context.Context, fn func(events.CallEnded)) {
	sub := n.rdb.Subscribe(ctx, n.channel)
	defer sub.Close()
	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if ev, ok := n.remote([]byte(msg.Payload)); ok {
				fn(ev)
			}
		}
	}
}

// remote decodes a channel payload and reports whether it came from another
// instance.
func (n *RedisNotifier) remote(raw []byte) (events.CallEnded, bool) {
	ev, err := Decode(raw)
	if err != nil {
		n.log.Warn("notify.decode", "err", err)
		return ev, false
	}
	return ev, ev.Origin != n.instance
}

func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.rdb.Ping(ctx).Err()
}

func (n *RedisNotifier) Close() error { return n.rdb.Close() }

func Encode(ev events.CallEnded) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding call ended: %w", err)
	}
	return raw, nil
}

func Decode(raw []byte) (events.CallEnded, error) {
	var ev events.CallEnded
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("decoding call ended: %w", err)
	}
	if ev.RoomID == "" {
		return ev, fmt.Errorf("decoding call ended: missing roomId")
	}
	return ev, nil
}
