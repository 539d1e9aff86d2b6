// Package backend opens the session store and message bus selected by
// configuration. The gateway and the worker share it so both processes
// always agree on where sessions and streams live.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/chatrelay/internal/bus"
	"github.com/ashureev/chatrelay/internal/config"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/redis/go-redis/v9"
)

const pingTimeout = 5 * time.Second

// Backends holds the opened dependencies of a process.
type Backends struct {
	Store store.Repository
	Bus   bus.Bus
	redis *redis.Client
}

// Open connects the configured store and bus. name identifies the process
// to the broker.
func Open(ctx context.Context, cfg *config.Config, name string, logger *slog.Logger) (*Backends, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backends{}

	if cfg.StoreBackend == config.BackendRedis || cfg.BusBackend == config.BackendRedis {
		rdb, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.redis = rdb
		logger.Info("Redis connected", "addr", rdb.Options().Addr)
	}

	opts := store.Options{TTL: cfg.SessionTTL}
	switch cfg.StoreBackend {
	case config.BackendRedis:
		b.Store = store.NewRedis(b.redis, opts)
	default:
		repo, err := store.NewSQLite(cfg.DBPath, opts)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		b.Store = repo
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := b.Store.Ping(pingCtx); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("store health check: %w", err)
	}
	logger.Info("Store connected", "backend", cfg.StoreBackend)

	switch cfg.BusBackend {
	case config.BackendNATS:
		js, err := bus.NewJetStreamBus(cfg.NATSURL, name, bus.JetStreamOptions{
			MaxAge:    cfg.SessionTTL,
			FetchWait: cfg.Gateway.ConsumeBlock,
			AckWait:   cfg.Worker.ClaimMinIdle,
			Logger:    logger,
		})
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Bus = js
	default:
		b.Bus = bus.NewRedisBus(b.redis, bus.RedisOptions{
			Block:        cfg.Gateway.ConsumeBlock,
			ClaimMinIdle: cfg.Worker.ClaimMinIdle,
			Logger:       logger,
		})
	}
	logger.Info("Message bus ready", "backend", cfg.BusBackend)

	return b, nil
}

// NewRedisClient parses url and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.ContextTimeoutEnabled = true
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// Close releases everything Open created.
func (b *Backends) Close() error {
	var errs []error
	if b.Bus != nil {
		errs = append(errs, b.Bus.Close())
	}
	if b.Store != nil {
		errs = append(errs, b.Store.Close())
	}
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	return errors.Join(errs...)
}
