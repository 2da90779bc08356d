// Package app assembles the backend API, the event bus and the display
// gateway into one runnable server.
package app

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/difychat/internal/adapter/backend"
	"github.com/xiaot623/difychat/internal/adapter/provider"
	"github.com/xiaot623/difychat/internal/cache"
	"github.com/xiaot623/difychat/internal/config"
	"github.com/xiaot623/difychat/internal/events"
	"github.com/xiaot623/difychat/internal/hub"
	"github.com/xiaot623/difychat/internal/policy"
	"github.com/xiaot623/difychat/internal/relay"
	"github.com/xiaot623/difychat/internal/repository"
	"github.com/xiaot623/difychat/internal/service"
	transporthttp "github.com/xiaot623/difychat/internal/transport/http"
	"github.com/xiaot623/difychat/internal/transport/ws"
)

// App owns every long-lived component of a running server.
type App struct {
	cfg   *config.Config
	store *repository.SQLiteStore
	cache cache.SessionListCache
	redis *redis.Client
	bus   *events.Bus
	hub   *hub.Hub
	echo  *echo.Echo
}

// New builds the server from cfg. Close releases what New opened.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, err := repository.NewSQLiteStore(cfg.Database.URL)
	if err != nil {
		return nil, errors.Wrap(err, "initialize store")
	}
	a.store = store

	if a.cache, err = a.newCache(); err != nil {
		return nil, err
	}

	policyEngine, err := policy.NewDefaultEngine(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "initialize policy engine")
	}

	a.bus, err = events.NewBus(events.RedisSettings{
		Enabled:  cfg.Redis.Stream,
		Addr:     cfg.Redis.Addr,
		Group:    cfg.Redis.Group,
		Consumer: cfg.Redis.Consumer,
	})
	if err != nil {
		return nil, errors.Wrap(err, "initialize event bus")
	}

	providerMode := provider.ModeStreaming
	if cfg.Dify.Mode == provider.ModeMock {
		providerMode = provider.ModeMock
	}
	completer, err := provider.NewCompleter(provider.ClientConfig{
		Mode:    providerMode,
		BaseURL: cfg.Dify.BaseURL,
		APIKey:  cfg.Dify.APIKey,
		User:    cfg.Dify.User,
		Timeout: cfg.Dify.Timeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "initialize provider")
	}
	apps := provider.NewAppManager(cfg.Dify.Mode, cfg.Dify.BaseURL, cfg.Dify.APIKey, cfg.Dify.Timeout)

	svc := service.New(a.store, a.cache, policyEngine, a.bus, completer, apps)
	auth := transporthttp.NewAuthenticator(cfg.Auth.Principals)

	relayCompleter, err := NewRelayCompleter(cfg)
	if err != nil {
		return nil, err
	}
	backendClient := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Timeout)

	var wsOpts []ws.Option
	if cfg.Relay.Mode == provider.ModeSync {
		wsOpts = append(wsOpts, ws.WithBackendTokenFallback())
	}
	a.hub = hub.NewHub(cfg.WS.SendBuffer)
	gateway := ws.NewServer(cfg.WS, a.hub, backendClient, relay.New(backendClient, relayCompleter), auth, cfg.Relay.Timeout, wsOpts...)

	a.echo = transporthttp.NewServer(svc, auth, gateway)

	ok = true
	return a, nil
}

// NewRelayCompleter builds the completer the relay uses for relay.mode.
func NewRelayCompleter(cfg *config.Config) (provider.Completer, error) {
	cc := provider.ClientConfig{Mode: cfg.Relay.Mode, Timeout: cfg.Relay.Timeout, User: cfg.Dify.User}
	switch cfg.Relay.Mode {
	case provider.ModeSync:
		cc.BaseURL = cfg.Relay.SyncURL
	case provider.ModeStreaming:
		cc.BaseURL = cfg.Dify.BaseURL
		cc.APIKey = cfg.Dify.APIKey
	}
	c, err := provider.NewCompleter(cc)
	if err != nil {
		return nil, errors.Wrap(err, "initialize relay provider")
	}
	return c, nil
}

func (a *App) newCache() (cache.SessionListCache, error) {
	if !a.cfg.Redis.Cache {
		return cache.NewStore(cache.StoreTypeMemory, cache.WithTTL(a.cfg.Redis.CacheTTL))
	}
	a.redis = redis.NewClient(&redis.Options{Addr: a.cfg.Redis.Addr})
	c, err := cache.NewStore(cache.StoreTypeRedis, cache.WithRedisClient(a.redis), cache.WithTTL(a.cfg.Redis.CacheTTL))
	if err != nil {
		return nil, errors.Wrap(err, "initialize session cache")
	}
	return c, nil
}

// Handler exposes the HTTP handler, for tests.
func (a *App) Handler() http.Handler {
	return a.echo
}

// Run serves HTTP and forwards bus events to the gateway until ctx is done,
// then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		a.hub.Run(ctx)
		return nil
	})

	eg.Go(func() error { return a.ForwardEvents(ctx) })

	eg.Go(func() error {
		log.Info().Str("addr", a.cfg.Server.Addr()).Msg("starting difychat server")
		if err := a.echo.Start(a.cfg.Server.Addr()); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	eg.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down difychat server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.echo.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		return nil
	})

	return eg.Wait()
}

// ForwardEvents routes every bus event to the gateway hub until ctx is done.
func (a *App) ForwardEvents(ctx context.Context) error {
	ch, err := a.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	for event := range ch {
		log.Debug().Str("event_id", event.EventID).Str("type", string(event.Type)).Msg("forwarding event")
		a.hub.Dispatch(event)
	}
	return nil
}

// Hub returns the gateway hub.
func (a *App) Hub() *hub.Hub {
	return a.hub
}

// Close releases the bus, cache and store.
func (a *App) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if a.bus != nil {
		keep(a.bus.Close())
	}
	// The redis cache driver closes its client.
	if a.cache != nil {
		keep(a.cache.Close())
	} else if a.redis != nil {
		keep(a.redis.Close())
	}
	if a.store != nil {
		keep(a.store.Close())
	}
	return first
}
