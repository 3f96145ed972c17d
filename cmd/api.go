package cmd

import (
	"taskd/internal/app"
	"taskd/internal/config"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func apiCmd() *cobra.Command {
	var port int
	var command = &cobra.Command{
		Use:   "api",
		Short: "Start the task manager with its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg.Log)
			log.Info().Msgf("API server using %d workers", cfg.Manager.Workers)
			return app.Run(app.Config{
				Port:         port,
				ConsumerName: "api",
				BaseBackoff:  500 * time.Millisecond,
				MaxBackoff:   30 * time.Second,
			}, cfg)
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	return command
}
