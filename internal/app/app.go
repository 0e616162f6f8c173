package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/campuschat/internal/auth"
	"github.com/vovakirdan/campuschat/internal/bridge"
	"github.com/vovakirdan/campuschat/internal/broker"
	"github.com/vovakirdan/campuschat/internal/config"
	"github.com/vovakirdan/campuschat/internal/core"
	"github.com/vovakirdan/campuschat/internal/fanout"
	"github.com/vovakirdan/campuschat/internal/notify"
	"github.com/vovakirdan/campuschat/internal/store"
	"github.com/vovakirdan/campuschat/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/campuschat/internal/transport/http"
)

const dialTimeout = 5 * time.Second

// App wires together storage, fanout, registry and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration

	registry *core.Registry
	pool     *bridge.Pool
	notifier *notify.Dispatcher
	broker   broker.Broker
	redis    *redis.Client
	store    store.Store
	log      *zerolog.Logger

	closeOnce sync.Once
}

// New constructs the application with provided configuration. Resources
// opened before a failure are released again.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	a := &App{shutdownTimeout: cfg.ShutdownTimeout, log: logger}
	if err := a.init(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, cfg *config.Config) error {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	a.store = st
	a.log.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	if cfg.Broker.Driver == "redis" || cfg.Notify.Provider == "redis" {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		client, err := broker.DialRedis(dialCtx, cfg.Broker.RedisURL)
		cancel()
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		a.redis = client
	}

	b, err := a.newBroker(cfg.Broker)
	if err != nil {
		return err
	}
	a.broker = b
	a.log.Info().Str("driver", cfg.Broker.Driver).Msg("broker connected")

	a.notifier = notify.NewDispatcher(a.newSink(cfg.Notify), cfg.Notify.Timeout, a.log)

	jwtConfig := &auth.JWTConfig{
		Secret:    []byte(cfg.JWT.Secret),
		Algorithm: cfg.JWT.Algorithm,
		TTL:       cfg.JWT.TTL,
	}

	fan := fanout.New(b, fanout.RetryPolicy{
		MaxRetries: cfg.Broker.MaxRetries,
		Min:        cfg.Broker.RetryMin,
		Max:        cfg.Broker.RetryMax,
	}, a.log)

	a.registry = core.NewRegistry(fan, core.Options{IdleGrace: cfg.Chat.IdleGrace, Clock: clock.New()}, a.log)
	a.pool = bridge.NewPool(cfg.Chat.PersistWorkers, cfg.Chat.PersistQueue, cfg.Chat.PersistEnqueueTimeout)

	a.server = transporthttp.NewServer(cfg, transporthttp.Deps{
		Gate:      auth.NewGate(jwtConfig, st),
		Auth:      auth.NewService(st, jwtConfig),
		Registry:  a.registry,
		Persister: bridge.NewPersister(a.pool, st, cfg.Chat.PersistTimeout),
		Publisher: fan,
		Messages:  st,
		Notifier:  a.notifier,
	}, a.log)
	return nil
}

func (a *App) newBroker(cfg config.BrokerConfig) (broker.Broker, error) {
	switch cfg.Driver {
	case "redis":
		return broker.NewRedis(a.redis), nil
	case "nats":
		nc, err := broker.DialNATS(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("init nats: %w", err)
		}
		return broker.NewNATS(nc, true), nil
	case "memory":
		return broker.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}

func (a *App) newSink(cfg config.NotifyConfig) notify.Sink {
	switch cfg.Provider {
	case "redis":
		return notify.NewRedisSink(a.redis, cfg.RedisKey)
	case "none":
		return notify.NopSink{}
	default:
		return notify.NewLogSink(a.log)
	}
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() stdhttp.Handler {
	return a.server.Handler
}

// Registry exposes the room registry for introspection.
func (a *App) Registry() *core.Registry {
	return a.registry
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases every resource. WebSocket connections are evicted first so
// their handlers stop using the pool and broker. It is safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(a.cleanup)
}

func (a *App) cleanup() {
	if a.registry != nil {
		a.registry.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		if err := a.notifier.Shutdown(ctx); err != nil {
			a.log.Warn().Err(err).Msg("notifications cancelled on shutdown")
		}
		cancel()
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close broker")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close redis client")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
