package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"taskd/internal/domain"
	"taskd/internal/ports"
	"taskd/pkg/backoff"
	"time"

	"github.com/rs/zerolog/log"
)

// Consumer feeds requests claimed from an intake into the task manager.
// Requests that cannot become tasks are dead-lettered; transport errors
// back off exponentially.
type Consumer struct {
	Q            ports.Intake
	Enq          Enqueuer
	ConsumerName string
	Block        time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

func (c Consumer) Run(ctx context.Context) error {
	logger := log.With().Str("component", "intake").Str("consumer", c.ConsumerName).Logger()
	block := c.Block
	if block <= 0 {
		block = 5 * time.Second
	}

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, id, err := c.Q.Claim(ctx, c.ConsumerName, block)
		var malformed *domain.MalformedMessageError
		switch {
		case errors.As(err, &malformed):
			logger.Warn().Err(err).Msg("dead-lettering malformed message")
			if err := c.Q.ToDLQ(ctx, id, malformed.Raw, malformed.Err.Error()); err != nil {
				logger.Error().Err(err).Str("message_id", id).Msg("dead-letter failed")
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			wait := backoff.ExponentialJitter(c.BaseBackoff, c.MaxBackoff, failures)
			logger.Error().Err(err).Dur("backoff", wait).Msg("claim failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		failures = 0
		if req == nil {
			continue
		}

		taskID, err := c.Enq.Now(*req)
		if err != nil {
			// stopped manager: leave the message pending for another consumer
			if errors.Is(err, domain.ErrStopped) {
				return err
			}
			logger.Warn().Err(err).Str("kind", req.Kind).Msg("dead-lettering rejected request")
			if err := c.Q.ToDLQ(ctx, id, mustJSON(req), err.Error()); err != nil {
				logger.Error().Err(err).Str("message_id", id).Msg("dead-letter failed")
			}
			continue
		}

		if err := c.Q.Ack(ctx, id); err != nil {
			logger.Error().Err(err).Str("message_id", id).Msg("ack failed")
		}
		logger.Info().Str("task_id", taskID).Str("kind", req.Kind).Msg("submitted task from intake")
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
