package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"taskd/internal/api"
	"taskd/internal/config"
	"taskd/internal/engine"
	"taskd/internal/infra/redisq"
	"taskd/internal/tasks"
	"taskd/internal/usecase"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	// Port enables the HTTP API when positive.
	Port int
	// RequireIntake fails start-up when Redis is not configured.
	RequireIntake bool

	ConsumerName string
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

// NewManager builds a task manager from the application config.
func NewManager(c config.Manager) *engine.Manager {
	return engine.New(engine.Config{
		Workers:          c.Workers,
		Gates:            c.Gates(),
		RetainDone:       c.RetainDone,
		SchedulerTick:    c.SchedulerTick,
		SchedulerBackoff: c.SchedulerBackoff,
	})
}

// Run starts the task manager and the configured front ends, and blocks
// until SIGINT/SIGTERM.
func Run(cfg Config, appCfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RequireIntake && !appCfg.Redis.Enabled() {
		return fmt.Errorf("redis intake required: set Redis_Address")
	}

	m := NewManager(appCfg.Manager)
	kinds := tasks.Default(appCfg.Manager.PollInterval)
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Stop()

	g, gctx := errgroup.WithContext(ctx)

	if appCfg.Redis.Enabled() {
		cli := redisq.New(appCfg.Redis)
		defer cli.Close()
		if err := cli.Init(ctx); err != nil {
			return err
		}

		consumer := usecase.Consumer{
			Q:            cli,
			Enq:          usecase.Enqueuer{M: m, Kinds: kinds},
			ConsumerName: cfg.ConsumerName,
			BaseBackoff:  cfg.BaseBackoff,
			MaxBackoff:   cfg.MaxBackoff,
		}
		g.Go(func() error { return consumer.Run(gctx) })

		mirror := usecase.Mirror{Src: m, Dst: cli, Interval: time.Second}
		g.Go(func() error { return mirror.Run(gctx) })
	}

	if cfg.Port > 0 {
		server := api.NewServer(m, kinds)
		g.Go(func() error { return server.Run(gctx, cfg.Port) })
	}

	log.Info().Bool("redis", appCfg.Redis.Enabled()).Int("port", cfg.Port).Msg("taskd running")

	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
