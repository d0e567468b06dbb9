package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/ignite/outreach-engine/internal/domain"
)

// sendgridAPI is the subset of the SendGrid client the adapter uses.
type sendgridAPI interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridAdapter sends email through the SendGrid v3 API.
type SendGridAdapter struct {
	client   sendgridAPI
	apiKey   string
	from     string
	fromName string
}

// NewSendGridAdapter is the Factory for provider "sendgrid".
func NewSendGridAdapter(_ context.Context, ch domain.Channel, cfg ProviderConfig) (Adapter, error) {
	if ch != domain.ChannelEmail {
		return nil, fmt.Errorf("sendgrid only serves email, not %s", ch)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("sendgrid api key is required")
	}
	return &SendGridAdapter{
		client:   sendgrid.NewSendClient(cfg.APIKey),
		apiKey:   cfg.APIKey,
		from:     cfg.From,
		fromName: cfg.FromName,
	}, nil
}

// Channel returns email.
func (a *SendGridAdapter) Channel() domain.Channel { return domain.ChannelEmail }

// Send delivers a single email. Tags travel as custom args so event
// webhooks can be correlated.
func (a *SendGridAdapter) Send(ctx context.Context, msg Message) Result {
	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(a.fromName, a.from))
	message.Subject = msg.Subject

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail("", msg.Destination))
	for k, v := range msg.Tags {
		p.SetCustomArg(k, v)
	}
	message.AddPersonalizations(p)
	message.AddContent(mail.NewContent("text/html", msg.Body))

	resp, err := a.client.SendWithContext(ctx, message)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return contextResult(err)
		}
		return transient(CodeNetwork, err)
	}
	return classifyHTTPStatus(resp.StatusCode, http.Header(resp.Headers).Get("X-Message-Id"), resp.Body)
}

// Verify checks the API key against the scopes endpoint.
func (a *SendGridAdapter) Verify(ctx context.Context) error {
	req := sendgrid.GetRequest(a.apiKey, "/v3/scopes", "")
	req.Method = rest.Get
	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("sendgrid verify: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sendgrid verify: status %d", resp.StatusCode)
	}
	return nil
}

// classifyHTTPStatus maps an HTTP provider response onto the taxonomy:
// 2xx sent, 429 and 5xx transient, other 4xx permanent.
func classifyHTTPStatus(status int, messageID, body string) Result {
	code := strconv.Itoa(status)
	switch {
	case status >= 200 && status < 300:
		return sent(messageID, code)
	case status == http.StatusTooManyRequests || status >= 500:
		return transient(code, fmt.Errorf("provider status %d: %s", status, body))
	default:
		return permanent(code, fmt.Errorf("provider status %d: %s", status, body))
	}
}
