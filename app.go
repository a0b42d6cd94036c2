package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/pliu/chatty/internal/auth"
	"github.com/pliu/chatty/internal/cache"
	"github.com/pliu/chatty/internal/chat"
	"github.com/pliu/chatty/internal/config"
	"github.com/pliu/chatty/internal/handlers"
	"github.com/pliu/chatty/internal/media"
	"github.com/pliu/chatty/internal/metrics"
	"github.com/pliu/chatty/internal/middleware"
	"github.com/pliu/chatty/internal/pipeline"
	"github.com/pliu/chatty/internal/presence"
	"github.com/pliu/chatty/internal/pubsub"
	"github.com/pliu/chatty/internal/ratelimit"
	"github.com/pliu/chatty/internal/store/sqlstore"
	"github.com/pliu/chatty/internal/ws"
	"github.com/redis/go-redis/v9"
)

// app owns every long-lived dependency of the server.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	store *sqlstore.SQLStore
	redis *redis.Client
	bus   *pubsub.Bus
	cache *cache.Cache
	hub   *ws.Hub

	server *http.Server
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	st, err := sqlstore.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Database.Driver, err)
	}
	a.store = st

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		a.close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	broker, err := newBroker(cfg.Broker, a.redis, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.bus = pubsub.NewBus(broker, logger)

	mediaStore, err := media.NewStore(cfg.Media.Dir, cfg.Media.BaseURL, cfg.Media.MaxBytes, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("media store: %w", err)
	}

	a.cache = cache.New(a.redis, cfg.Cache.Prefix)
	chatSvc := chat.NewService(a.store, a.cache, a.bus, cfg.Cache.Chat, logger)
	presenceSvc := presence.NewService(presence.NewTracker(a.redis, cfg.Cache.PresencePrefix), a.store, a.bus, logger)
	limiter := ratelimit.New(a.redis, cfg.RateLimit, logger)
	p := pipeline.New(limiter, chatSvc)
	signer := auth.NewSigner(cfg.Auth.CookieSecret, cfg.Auth.SessionTTL)
	a.hub = ws.NewHub()

	proxies, err := middleware.ParseProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		a.close()
		return nil, err
	}

	r := mux.NewRouter()
	r.Use(middleware.RealIP(proxies))
	r.Use(middleware.CorrelationID)
	r.Use(middleware.LoggingMiddleware(logger))
	r.Use(middleware.Authenticate(signer, cfg.Auth.CookieName))

	handlers.Register(r,
		&handlers.AuthHandler{
			Store:        a.store,
			Signer:       signer,
			Pipeline:     p,
			CookieName:   cfg.Auth.CookieName,
			SecureCookie: cfg.Auth.SecureCookie,
			Logger:       logger,
		},
		&handlers.ChatHandler{
			Chat:      chatSvc,
			Presence:  presenceSvc,
			Media:     mediaStore,
			Pipeline:  p,
			MaxUpload: cfg.Media.MaxBytes,
			Logger:    logger,
		},
	)
	r.Handle("/ws", ws.NewServer(a.hub, chatSvc, presenceSvc, p, cfg.HTTP.AllowedOrigins, logger))
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.health).Methods(http.MethodGet)
	r.HandleFunc("/cache/stats", a.cacheStats).Methods(http.MethodGet)
	r.PathPrefix(cfg.Media.BaseURL).Handler(http.StripPrefix(cfg.Media.BaseURL, mediaStore.Handler()))

	a.server = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return a, nil
}

// newBroker picks the transport that fans events out across instances.
func newBroker(cfg config.BrokerConfig, client redis.UniversalClient, logger *slog.Logger) (pubsub.Broker, error) {
	switch cfg.Kind {
	case "redis":
		return pubsub.NewRedisBroker(client, logger), nil
	case "nats":
		nc, err := pubsub.ConnectNATS(cfg.NATS, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to nats at %s: %w", cfg.NATS.URL, err)
		}
		return pubsub.NewNATSBroker(nc), nil
	case "memory":
		logger.Warn("using the in-memory broker, events stay on this instance")
		return pubsub.NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}
}

// shutdown stops accepting requests, closes the WebSocket clients and then
// releases the backends in dependency order.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := a.hub.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket hub: %w", err))
	}
	errs = append(errs, a.close())
	return errors.Join(errs...)
}

// close releases whatever newApp managed to open.
func (a *app) close() error {
	var errs []error
	if a.bus != nil {
		if err := a.bus.Close(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("event bus: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *app) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"database": "ok", "redis": "ok"}
	code := http.StatusOK
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("health check failed", "dependency", "database", "error", err)
		status["database"] = "unavailable"
		code = http.StatusServiceUnavailable
	}
	if err := a.cache.Ping(ctx); err != nil {
		a.logger.Warn("health check failed", "dependency", "redis", "error", err)
		status["redis"] = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (a *app) cacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.cache.Stats())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
