package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowflex/stagecondition/condition"
	"github.com/flowflex/stagecondition/internal/config"
	"github.com/flowflex/stagecondition/internal/logger"
	"github.com/flowflex/stagecondition/multitenantengine"
	"github.com/flowflex/stagecondition/rules"
)

// app owns the server and the resources it must close.
type app struct {
	server *Server
	store  *condition.SQLStore
	redis  *redis.Client
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

// buildApp wires stores, executor, evaluators and the HTTP server from
// the configuration.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := slog.Default()

	store, err := condition.OpenSQLStore(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	a := &app{store: store}

	executor, err := newExecutor(cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	deps := condition.Dependencies{
		Conditions: store,
		Stages:     store,
		Data:       store,
		Instances:  store,
	}

	if cfg.Breaker.Enabled {
		deps.Data = condition.NewBreakerComponentData(store, condition.BreakerSettings{
			MaxRequests:  cfg.Breaker.MaxRequests,
			Interval:     cfg.Breaker.Interval.Std(),
			Timeout:      cfg.Breaker.Timeout.Std(),
			MinRequests:  cfg.Breaker.MinRequests,
			FailureRatio: cfg.Breaker.FailureRatio,
		}, log)
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		deps.Instances = condition.NewRedisLocker(a.redis, store,
			condition.WithKeyPrefix(cfg.Redis.KeyPrefix),
			condition.WithLeaseTTL(cfg.Redis.LeaseTTL.Std()),
			condition.WithLockLogger(log),
		)
		log.Info("using redis instance locks")
	}

	factory := multitenantengine.SharedFactory(deps, executor,
		condition.WithLogger(log),
		condition.WithLockPolicy(lockPolicy(cfg)),
		condition.WithDegradedHook(func(kind condition.ErrorKind) {
			logger.RecordDegraded(kind.String())
		}),
	)

	manager := multitenantengine.NewManager(factory, store, log)
	if err := manager.LoadAllTenants(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load tenants: %w", err)
	}

	a.server = NewServer(ServerOptions{
		Manager:        manager,
		Executor:       executor,
		Health:         store,
		RequestTimeout: cfg.Server.RequestTimeout.Std(),
		SlowRequest:    cfg.Server.SlowRequest.Std(),
	})
	return a, nil
}

func newExecutor(cfg *config.Config, log *slog.Logger) (*rules.Executor, error) {
	loc, err := time.LoadLocation(cfg.Rules.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid rules time zone: %w", err)
	}

	opts := []rules.Option{
		rules.WithLocation(loc),
		rules.WithLogger(log),
	}
	if cfg.Rules.CostLimit > 0 {
		opts = append(opts, rules.WithCostLimit(cfg.Rules.CostLimit))
	}
	if cfg.Rules.CacheMaxEntries > 0 {
		opts = append(opts, rules.WithProgramCache(rules.NewInMemoryProgramCache(rules.CacheConfig{
			TTL:        cfg.Rules.CacheTTL.Std(),
			MaxEntries: cfg.Rules.CacheMaxEntries,
		})))
	}
	return rules.NewExecutor(opts...)
}

func lockPolicy(cfg *config.Config) condition.LockPolicy {
	return condition.LockPolicy{
		Timeout:     cfg.Lock.Timeout.Std(),
		MaxAttempts: cfg.Lock.MaxAttempts,
		BaseBackoff: cfg.Lock.BaseBackoff.Std(),
		MaxBackoff:  cfg.Lock.MaxBackoff.Std(),
	}
}
