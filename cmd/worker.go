package cmd

import (
	"taskd/internal/app"
	"taskd/internal/config"
	"time"

	"github.com/spf13/cobra"
)

func workerCmd() *cobra.Command {
	var (
		consumerName string
		baseBackoff  time.Duration
		maxBackoff   time.Duration
		port         int
	)

	var command = &cobra.Command{
		Use:   "worker",
		Short: "Start the task manager fed by the Redis intake stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg.Log)
			return app.Run(app.Config{
				Port:          port,
				RequireIntake: true,
				ConsumerName:  consumerName,
				BaseBackoff:   baseBackoff,
				MaxBackoff:    maxBackoff,
			}, cfg)
		},
	}

	command.Flags().StringVar(&consumerName, "consumer", "worker-1", "Worker consumer name")
	command.Flags().DurationVar(&baseBackoff, "base-backoff", 500*time.Millisecond, "Base backoff duration")
	command.Flags().DurationVar(&maxBackoff, "max-backoff", 30*time.Second, "Max backoff duration")
	command.Flags().IntVarP(&port, "port", "p", 0, "Also serve the HTTP API on this port")

	return command
}
