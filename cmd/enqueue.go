package cmd

import (
	"context"
	"fmt"
	"strings"
	"taskd/internal/config"
	"taskd/internal/domain"
	"taskd/internal/infra/redisq"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func enqueueCmd() *cobra.Command {
	var (
		kind    string
		params  []string
		heading string
		gate    string
	)

	var command = &cobra.Command{
		Use:   "enqueue",
		Short: "Append a task request to the Redis intake stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg.Log)
			if !cfg.Redis.Enabled() {
				return fmt.Errorf("redis intake required: set Redis_Address")
			}

			req, err := buildRequest(kind, params, heading, gate)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			cli := redisq.New(cfg.Redis)
			defer cli.Close()
			if err := cli.Connect(ctx); err != nil {
				return err
			}
			id, err := cli.Enqueue(ctx, req)
			if err != nil {
				return err
			}
			log.Info().Str("message_id", id).Str("kind", req.Kind).Msg("request enqueued")
			return nil
		},
	}

	command.Flags().StringVarP(&kind, "kind", "k", "", "Task kind")
	command.Flags().StringArrayVar(&params, "param", nil, "Task parameter as key=value, repeatable")
	command.Flags().StringVar(&heading, "heading", "", "Initial heading")
	command.Flags().StringVar(&gate, "gate", "", "Gate override")
	_ = command.MarkFlagRequired("kind")

	return command
}

func buildRequest(kind string, params []string, heading, gate string) (domain.Request, error) {
	req := domain.Request{Kind: kind, Heading: heading, Gate: gate}
	if len(params) > 0 {
		req.Params = make(map[string]string, len(params))
	}
	for _, p := range params {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return domain.Request{}, fmt.Errorf("invalid param %q, want key=value", p)
		}
		req.Params[k] = v
	}
	return req, nil
}
