package evaluation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gantrylabs/gantry/pkg/queue"
)

// JobPayload is a queued evaluation request. An empty suite name sweeps
// every registered suite.
type JobPayload struct {
	SuiteName string `json:"suite_name,omitempty"`
	Tag       string `json:"tag,omitempty"`
}

// JobHandler adapts the harness to the job queue. Delivery is
// at-least-once; a redelivered job only costs an extra run row.
func (h *Harness) JobHandler() queue.Handler {
	return func(ctx context.Context, env *queue.Envelope) error {
		var payload JobPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("decode evaluation payload: %w", err)
		}
		h.logger.Info("evaluation job received",
			"suite", payload.SuiteName,
			"tag", payload.Tag,
			"correlation_id", env.Headers.CorrelationID,
			"deliveries", env.Deliveries,
		)
		if payload.SuiteName == "" {
			_, err := h.RunAllSuites(ctx, payload.Tag)
			return err
		}
		_, err := h.RunSuite(ctx, payload.SuiteName, payload.Tag)
		return err
	}
}
