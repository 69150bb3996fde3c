// Package analyzer defines the contract with the external analysis provider:
// the synchronous analyze call that turns answer text into structured
// signals, and the fire-and-forget task submission whose completion arrives
// later through the webhook.
package analyzer

import (
	"context"

	"github.com/cloro-dev/monitor/internal/domain"
	"github.com/cloro-dev/monitor/internal/extract"
)

// Client is the external analyzer. Implementations must be safe for
// concurrent use and must honor the provided context for cancellation; both
// calls are made with bounded timeouts by callers.
type Client interface {
	// Analyze extracts sentiment, position, and competitor signals for
	// entityName from the answer text. Absent fields come back nil.
	Analyze(ctx context.Context, text, entityName string) (*extract.Signals, error)

	// Submit enqueues one (prompt, channel) analysis with the provider.
	// idempotencyKey is the task id; resubmissions reuse it so the
	// provider's own dedup applies. Completion is delivered out-of-band.
	Submit(ctx context.Context, promptText, locale string, channel domain.Channel, idempotencyKey string) error
}
