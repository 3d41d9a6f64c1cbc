// Package daemon composes the chat client's components into a running
// process: connection manager, storage façade, state store, and sync engine,
// assembled with fx and torn down in reverse order.
package daemon

import (
	"context"
	"errors"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/rmarins/chatkit/internal/bus"
	"github.com/rmarins/chatkit/internal/config"
	"github.com/rmarins/chatkit/internal/conn"
	"github.com/rmarins/chatkit/internal/crypto"
	"github.com/rmarins/chatkit/internal/lock"
	"github.com/rmarins/chatkit/internal/logging"
	"github.com/rmarins/chatkit/internal/session"
	"github.com/rmarins/chatkit/internal/state"
	"github.com/rmarins/chatkit/internal/storage"
	"github.com/rmarins/chatkit/internal/store"
	intsync "github.com/rmarins/chatkit/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideStore,
			provideSealer,
			provideConn,
			provideFacade,
			provideStateStore,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("no config file, using defaults", zap.String("path", session.ConfigPath()))
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.KVDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("local store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideSealer builds the sealer for protected storage namespaces. An empty
// key disables sealing; a malformed key is a hard startup failure rather
// than a silent fallback to plaintext.
func provideSealer(cfg *config.Config) (*crypto.Sealer, error) {
	if cfg.StorageKey == "" {
		return nil, nil
	}
	return crypto.NewSealer(cfg.StorageKey)
}

func provideConn(p Params, cfg *config.Config, b *bus.Bus, logger *zap.Logger) (*conn.Manager, error) {
	token, err := session.LoadToken(p.SessionName)
	if err != nil {
		return nil, err
	}
	if err := session.CheckExpiry(token, time.Now()); err != nil {
		return nil, err
	}
	return conn.New(conn.Options{
		URL:               cfg.GatewayURL,
		Token:             token,
		HeartbeatInterval: cfg.HeartbeatInterval.Duration(),
		PongTimeout:       cfg.PongTimeout.Duration(),
		BackoffBase:       cfg.BackoffBase.Duration(),
		BackoffCap:        cfg.BackoffCap.Duration(),
		MaxReconnects:     cfg.MaxReconnects,
	}, b, logger), nil
}

func provideFacade(m *conn.Manager, db *store.DB, sealer *crypto.Sealer, logger *zap.Logger) *storage.Facade {
	return storage.New(m, db, storage.Options{Sealer: sealer}, logger)
}

func provideStateStore(b *bus.Bus, logger *zap.Logger) *state.Store {
	return state.New(b, logger)
}

func provideEngine(m *conn.Manager, s *state.Store, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(m, s, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, m *conn.Manager, facade *storage.Facade, engine *intsync.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Handlers must be registered before the first frame arrives,
			// so the engine and façade start ahead of the dial.
			engine.Start(context.Background())
			facade.Start(context.Background())

			go func() {
				if err := m.Connect(); err != nil {
					logger.Error("initial connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			engine.Stop()
			facade.Stop()
			m.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
