// Package app holds the start-up and shutdown sequence shared by the
// pipeline service binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/octabyte/fulltext-pipeline/config"
	"github.com/octabyte/fulltext-pipeline/connection"
	"github.com/octabyte/fulltext-pipeline/db/redis"
	"github.com/octabyte/fulltext-pipeline/health"
	"github.com/octabyte/fulltext-pipeline/otel"
	"github.com/octabyte/fulltext-pipeline/otel/metrics"
	"github.com/octabyte/fulltext-pipeline/pipeline"
	"github.com/octabyte/fulltext-pipeline/utils/logger"
)

const shutdownTimeout = 10 * time.Second

// Service is a pipeline stage run by a binary.
type Service interface {
	Run(ctx context.Context) error
	Close() error
}

// Runtime is the process-wide state of one service binary.
type Runtime struct {
	Config *config.Config
	Conn   *connection.Connection

	redis        *goredis.Client
	counter      *redis.RedeliveryCounter
	shutdownOtel otel.ShutdownFunc
}

// Start loads the configuration, installs logging and telemetry, and dials
// the broker (and Redis when requeues are capped). Configuration errors are
// returned before anything is dialed.
func Start(ctx context.Context, service string) (*Runtime, error) {
	cfg, err := config.Load(service)
	if err != nil {
		return nil, err
	}

	if err := logger.Init(&logger.Config{Level: cfg.LogLevel, Env: cfg.Env, ServiceName: service}); err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg}

	rt.shutdownOtel, err = otel.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, err
	}
	if err := metrics.Init(cfg.OTel.ServiceName); err != nil {
		logger.LogWarn("Metrics unavailable", zap.Error(err))
	}

	rt.Conn, err = Connect(ctx, cfg.RabbitMQ, cfg.ConnectMaxElapsed)
	if err != nil {
		rt.Close()
		return nil, err
	}

	if cfg.RequeueCapped() {
		rt.redis, err = redis.NewRedisClient(ctx, *cfg.Redis)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.counter = redis.NewRedeliveryCounter(rt.redis, redis.DefaultCounterPrefix+service+":", cfg.RedeliveryTTL)
	}

	return rt, nil
}

// Connect opens a broker connection, retrying with exponential backoff for
// at most maxElapsed. Configuration errors are not retried.
func Connect(ctx context.Context, cfg connection.Config, maxElapsed time.Duration, opts ...connection.Option) (*connection.Connection, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed

	var conn *connection.Connection
	operation := func() error {
		var err error
		conn, err = connection.Open(cfg, opts...)
		if errors.Is(err, connection.ErrConfiguration) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.LogWarn("Broker unavailable, retrying",
			zap.String("uri", cfg.Redacted()),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return conn, nil
}

// Options are the pipeline options implied by the configuration.
func (rt *Runtime) Options() pipeline.Options {
	opts := pipeline.Options{
		InactivityTimeout: rt.Config.InactivityTimeout,
		ExitOnIdle:        rt.Config.ExitOnIdle,
		MaxRedeliveries:   rt.Config.MaxRedeliveries,
	}
	if rt.counter != nil {
		opts.Counter = rt.counter
	}
	return opts
}

// Serve runs svc next to the health server until svc stops or the process
// receives SIGINT or SIGTERM.
func (rt *Runtime) Serve(ctx context.Context, svc Service) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	probes := health.New(rt.Config.Service, rt.Config.HealthAddr, health.ConnectionOpen(rt.Conn), rt.readiness())
	go func() {
		if err := probes.Start(); err != nil {
			logger.LogError("Health server stopped", zap.Error(err))
		}
	}()

	err := svc.Run(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.LogInfo("Shutdown requested")
		err = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := probes.Shutdown(shutdownCtx); serr != nil {
		logger.LogWarn("Health server shutdown failed", zap.Error(serr))
	}
	if cerr := svc.Close(); cerr != nil {
		logger.LogWarn("Service close failed", zap.Error(cerr))
	}
	return err
}

// readiness checks the input topology and, when requeues are capped, that
// the redelivery counter's Redis answers.
func (rt *Runtime) readiness() health.Check {
	checks := []health.Check{health.TopologyReady(rt.Conn, rt.Config.Input)}
	if rt.redis != nil {
		checks = append(checks, func(ctx context.Context) error {
			if err := redis.Ping(ctx, rt.redis); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return nil
		})
	}
	return health.All(checks...)
}

// Close releases everything Start acquired. It is safe on a partially
// started Runtime.
func (rt *Runtime) Close() {
	if rt.Conn != nil {
		if err := rt.Conn.Close(); err != nil {
			logger.LogWarn("Broker connection close failed", zap.Error(err))
		}
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			logger.LogWarn("Redis close failed", zap.Error(err))
		}
	}
	if rt.shutdownOtel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.shutdownOtel(ctx); err != nil {
			logger.LogWarn("Telemetry shutdown failed", zap.Error(err))
		}
	}
	logger.Sync()
}
