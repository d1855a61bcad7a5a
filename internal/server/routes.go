package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"

	"consultroom/internal/broadcast"
	"consultroom/internal/config"
	"consultroom/internal/coordinator"
	"consultroom/internal/db"
	"consultroom/internal/events"
	"consultroom/internal/metrics"
	"consultroom/internal/notify"
	"consultroom/internal/registry"
	"consultroom/internal/rooms"
	"consultroom/internal/wshub"
)

const shutdownTimeout = 10 * time.Second

// Run wires the service from cfg and serves HTTP until ctx is done.
func Run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	srv := &Server{
		Log:        log,
		SendBuffer: cfg.SendBuffer,
		Origins:    originPatterns(cfg.CORSAllow),
	}

	var store rooms.Store
	if cfg.DatabaseURL != "" {
		database, err := db.Connect(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return err
		}
		defer database.Close()
		if err := database.Migrate(ctx); err != nil {
			return err
		}
		go database.RunSweeper(ctx, cfg.SweepInterval, cfg.RoomRetention)
		store = database
		srv.Checks = append(srv.Checks, HealthCheck{Name: "db", Ping: database.Ping})
	} else {
		log.Warn("db.disabled", "reason", "DATABASE_URL not set, rooms are kept in memory")
		mem := rooms.NewMemoryStore(cfg.RoomRetention)
		go mem.RunSweeper(ctx, cfg.SweepInterval)
		store = mem
	}

	var sinks []broadcast.Notifier
	var redisSink *notify.RedisNotifier
	if cfg.RedisAddr != "" {
		rn, err := notify.NewRedisNotifier(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.NotifyChannel, log.With("component", "notify"))
		if err != nil {
			return err
		}
		defer rn.Close()
		sinks = append(sinks, rn)
		redisSink = rn
		srv.Checks = append(srv.Checks, HealthCheck{Name: "redis", Ping: rn.Ping})
		log.Info("notify.redis", "addr", cfg.RedisAddr, "channel", cfg.NotifyChannel)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	bus := events.NewBus(64)
	srv.Hub = wshub.NewHub()
	srv.Broadcaster = broadcast.NewBroadcaster(bus, log.With("component", "broadcast"), sinks...)
	if redisSink != nil {
		// calls ended on other instances reach this instance's /notifications
		go redisSink.Subscribe(ctx, srv.Broadcaster.Publish)
	}
	srv.Coord = coordinator.New(store, registry.New(cfg.RegistryShards), srv.Hub, bus, m,
		log.With("component", "coordinator"),
		coordinator.Options{
			PersistTimeout:  cfg.PersistTimeout,
			MaxQueueDepth:   cfg.MaxQueueDepth,
			RetryInterval:   cfg.RetryInterval,
			RetryMaxBackoff: cfg.RetryMaxBackoff,
		})
	go srv.Coord.Run(ctx)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(metrics.Handler(promReg), cfg.CORSAllow),
		ReadHeaderTimeout: 10 * time.Second,
		// request contexts end on shutdown so websocket handlers return
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listening", "addr", httpSrv.Addr, "env", cfg.Env)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	log.Info("server.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// Routes builds the HTTP handler. metricsHandler may be nil.
func (s *Server) Routes(metricsHandler http.Handler, corsAllow []string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rooms", s.handleCreateRoom)
	mux.HandleFunc("GET /rooms/{id}", s.handleGetRoom)
	mux.HandleFunc("POST /rooms/{id}/end", s.handleEndRoom)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /notifications", s.handleNotifications)
	mux.HandleFunc("GET /health", s.handleHealth)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   corsAllow,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(mux)
}

// originPatterns turns allowed CORS origins into websocket origin host
// patterns.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		if o == "*" {
			out = append(out, "*")
			continue
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		out = append(out, u.Host)
	}
	return out
}
