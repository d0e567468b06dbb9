// Package channel provides a uniform send/verify interface over email, SMS,
// and voice providers. Each adapter translates its provider's error
// taxonomy into one of three outcomes; the dispatcher acts on the outcome,
// never on raw provider errors.
package channel

import (
	"context"
	"errors"

	"github.com/ignite/outreach-engine/internal/domain"
)

// Outcome is the provider-independent classification of a send.
type Outcome string

const (
	// Sent means the provider accepted the message; delivery is confirmed
	// later through engagement events.
	Sent Outcome = "sent"
	// PermanentFailure covers bad addresses, blocks and revoked consent.
	// The dispatcher never retries these.
	PermanentFailure Outcome = "permanent_failure"
	// TransientFailure covers rate limits, timeouts and provider outages.
	TransientFailure Outcome = "transient_failure"
)

// Message is one rendered step ready for a provider.
type Message struct {
	Channel     domain.Channel
	Destination string
	Subject     string
	Body        string
	// Tags are attached to the provider message where supported so that
	// provider callbacks can be correlated back to the enrollment.
	Tags map[string]string
}

// Result is what an adapter reports for one call.
type Result struct {
	Outcome   Outcome
	Code      string
	MessageID string
	Err       error
}

// Adapter sends messages over one channel.
type Adapter interface {
	Channel() domain.Channel
	// Send never returns a Go error: every failure is classified into the
	// Result so the caller always has an outcome to record.
	Send(ctx context.Context, msg Message) Result
	// Verify checks credentials/connectivity without sending.
	Verify(ctx context.Context) error
}

// Common result codes produced by the engine rather than a provider.
const (
	CodeTimeout            = "timeout"
	CodeCanceled           = "canceled"
	CodeNetwork            = "network_error"
	CodeInvalidDestination = "invalid_destination"
	CodeNoAdapter          = "adapter_unavailable"
)

// sent builds a Sent result.
func sent(messageID, code string) Result {
	return Result{Outcome: Sent, MessageID: messageID, Code: code}
}

func permanent(code string, err error) Result {
	return Result{Outcome: PermanentFailure, Code: code, Err: err}
}

func transient(code string, err error) Result {
	return Result{Outcome: TransientFailure, Code: code, Err: err}
}

// contextResult classifies a context error. A deadline is a timeout and so
// transient; cancellation (shutdown) is also retried by a later worker.
func contextResult(err error) Result {
	if errors.Is(err, context.DeadlineExceeded) {
		return transient(CodeTimeout, err)
	}
	return transient(CodeCanceled, err)
}
