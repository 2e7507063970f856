package intake

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jxucoder/intake/backend"
	"github.com/jxucoder/intake/internal/config"
	intakelog "github.com/jxucoder/intake/internal/log"
	"github.com/jxucoder/intake/store"
	redisStore "github.com/jxucoder/intake/store/redis"
	sqliteStore "github.com/jxucoder/intake/store/sqlite"
)

// applyDefaults fills in the configuration, logger and question set.
func applyDefaults(b *Builder) error {
	if b.config == nil {
		b.config = &config.Config{}
	}
	if b.config.ServerURL == "" {
		b.config.ServerURL = "http://localhost:8000"
	}
	if b.config.Store == "" {
		b.config.Store = config.StoreSQLite
	}
	if b.config.RedisAddr == "" {
		b.config.RedisAddr = "localhost:6379"
	}
	if b.config.IdleTimeout == 0 {
		b.config.IdleTimeout = 30 * time.Minute
	}
	if b.config.LogLevel == "" {
		b.config.LogLevel = "info"
	}
	if b.config.Addr == "" {
		b.config.Addr = ":8000"
	}
	if b.config.DataDir == "" {
		b.config.DataDir = config.DefaultDataDir()
	}
	if err := b.config.Validate(); err != nil {
		return err
	}

	if b.logger == nil {
		l, err := intakelog.New(b.config.LogLevel)
		if err != nil {
			return err
		}
		b.logger = l
	}

	if b.questions == nil {
		qs, err := config.LoadQuestions(b.config.QuestionsFile)
		if err != nil {
			return err
		}
		b.questions = qs
	}
	return nil
}

// applyClientDefaults fills in the store and backend of a client App.
func applyClientDefaults(b *Builder) error {
	if b.store == nil {
		st, err := openStore(b.config)
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		b.store = st
	}

	if b.backend == nil {
		hc := b.httpClient
		if hc == nil {
			// No overall timeout: analysis streams run for minutes.
			hc = &http.Client{Transport: http.DefaultTransport}
		}
		b.backend = backend.New(b.config.ServerURL,
			backend.WithHTTPClient(hc),
			backend.WithLogger(b.logger))
	}
	return nil
}

func openStore(cfg *config.Config) (store.SlotStore, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemory(), nil
	case config.StoreRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return redisStore.New(ctx, cfg.RedisAddr)
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return sqliteStore.New(cfg.DatabasePath())
	}
}
