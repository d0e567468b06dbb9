package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// DryRunAdapter accepts every message without contacting a provider. It
// backs local development and the memory storage mode.
type DryRunAdapter struct {
	channel domain.Channel

	mu   sync.Mutex
	sent []Message
}

// NewDryRunAdapter is the Factory for provider "dryrun".
func NewDryRunAdapter(_ context.Context, ch domain.Channel, _ ProviderConfig) (Adapter, error) {
	return &DryRunAdapter{channel: ch}, nil
}

// Channel returns the adapter's channel.
func (a *DryRunAdapter) Channel() domain.Channel { return a.channel }

// Send records the message and reports it sent.
func (a *DryRunAdapter) Send(ctx context.Context, msg Message) Result {
	if err := ctx.Err(); err != nil {
		return contextResult(err)
	}
	a.mu.Lock()
	a.sent = append(a.sent, msg)
	a.mu.Unlock()
	id := fmt.Sprintf("dryrun-%s", uuid.New().String()[:8])
	logger.Info("dry-run send", "channel", string(a.channel), "destination", msg.Destination, "message_id", id)
	return sent(id, "accepted")
}

// Verify always succeeds.
func (a *DryRunAdapter) Verify(context.Context) error { return nil }

// Sent returns a copy of every message accepted so far.
func (a *DryRunAdapter) Sent() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Message(nil), a.sent...)
}
