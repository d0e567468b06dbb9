package channel

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// twilioAPI is the subset of the Twilio REST API the adapters use.
type twilioAPI interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
	FetchAccount(sid string) (*api.ApiV2010Account, error)
}

// TwilioAdapter sends SMS messages or places voice calls through Twilio.
// One instance serves one channel.
type TwilioAdapter struct {
	channel        domain.Channel
	client         twilioAPI
	accountSID     string
	from           string
	defaultRegion  string
	statusCallback string
}

// NewTwilioAdapter is the Factory for provider "twilio".
func NewTwilioAdapter(_ context.Context, ch domain.Channel, cfg ProviderConfig) (Adapter, error) {
	if ch != domain.ChannelSMS && ch != domain.ChannelVoice {
		return nil, fmt.Errorf("twilio serves sms and voice, not %s", ch)
	}
	if cfg.AccountID == "" || cfg.Secret == "" {
		return nil, fmt.Errorf("twilio account sid and auth token are required")
	}
	base := &twclient.Client{
		Credentials: twclient.NewCredentials(cfg.AccountID, cfg.Secret),
		HTTPClient:  twilioHTTPClient(ch, cfg),
	}
	base.SetAccountSid(cfg.AccountID)
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{Client: base})
	return newTwilioAdapter(ch, rest.Api, cfg), nil
}

// twilioHTTPClient bounds every SDK request by the channel timeout, so a call
// abandoned by Send cannot complete long after its deadline.
func twilioHTTPClient(ch domain.Channel, cfg ProviderConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeouts[ch]
	}
	return &http.Client{Timeout: timeout}
}

func newTwilioAdapter(ch domain.Channel, client twilioAPI, cfg ProviderConfig) *TwilioAdapter {
	return &TwilioAdapter{
		channel:        ch,
		client:         client,
		accountSID:     cfg.AccountID,
		from:           cfg.From,
		defaultRegion:  cfg.DefaultRegion,
		statusCallback: cfg.StatusCallback,
	}
}

// Channel returns sms or voice.
func (a *TwilioAdapter) Channel() domain.Channel { return a.channel }

// Send texts or calls the destination. The Twilio SDK takes no context, so
// the call runs in a goroutine and a context deadline abandons it. Nothing
// is sent once ctx is done.
func (a *TwilioAdapter) Send(ctx context.Context, msg Message) Result {
	if err := ctx.Err(); err != nil {
		return contextResult(err)
	}
	to, err := NormalizePhone(msg.Destination, a.defaultRegion)
	if err != nil {
		return permanent(CodeInvalidDestination, err)
	}

	type outcome struct {
		sid string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		sid, err := a.create(to, msg)
		done <- outcome{sid: sid, err: err}
	}()

	select {
	case <-ctx.Done():
		return contextResult(ctx.Err())
	case o := <-done:
		if o.err != nil {
			res := classifyTwilioError(o.err)
			logger.Warn("twilio send failed", "channel", string(a.channel), "destination", to,
				"code", res.Code, "outcome", string(res.Outcome))
			return res
		}
		return sent(o.sid, "queued")
	}
}

func (a *TwilioAdapter) create(to string, msg Message) (string, error) {
	callback := a.callbackURL(msg.Tags)
	if a.channel == domain.ChannelVoice {
		params := &api.CreateCallParams{}
		params.SetTo(to)
		params.SetFrom(a.from)
		params.SetTwiml(sayTwiML(msg.Body))
		if callback != "" {
			params.SetStatusCallback(callback)
		}
		call, err := a.client.CreateCall(params)
		if err != nil {
			return "", err
		}
		return deref(call.Sid), nil
	}

	params := &api.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(a.from)
	params.SetBody(msg.Body)
	if callback != "" {
		params.SetStatusCallback(callback)
	}
	m, err := a.client.CreateMessage(params)
	if err != nil {
		return "", err
	}
	return deref(m.Sid), nil
}

// Verify fetches the account record.
func (a *TwilioAdapter) Verify(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, err := a.client.FetchAccount(a.accountSID)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("twilio fetch account: %w", err)
		}
		return nil
	}
}

// callbackURL appends the correlation tags to the status callback so the
// webhook can attribute delivery reports.
func (a *TwilioAdapter) callbackURL(tags map[string]string) string {
	if a.statusCallback == "" {
		return ""
	}
	u, err := url.Parse(a.statusCallback)
	if err != nil {
		return a.statusCallback
	}
	q := u.Query()
	for k, v := range tags {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Twilio error codes that must never be retried.
var twilioPermanentCodes = map[int]bool{
	21211: true, // invalid 'To' number
	21408: true, // region not enabled
	21610: true, // recipient replied STOP
	21612: true, // cannot route to this number
	21614: true, // not a mobile number
	13224: true, // invalid voice number
}

// classifyTwilioError maps Twilio REST errors onto the outcome taxonomy.
func classifyTwilioError(err error) Result {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) {
		code := strconv.Itoa(restErr.Code)
		switch {
		case twilioPermanentCodes[restErr.Code]:
			return permanent(code, err)
		case restErr.Status == 429 || restErr.Status >= 500:
			return transient(code, err)
		case restErr.Status >= 400:
			return permanent(code, err)
		}
		return transient(code, err)
	}
	return transient(CodeNetwork, err)
}

func sayTwiML(text string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(text))
	return `<Response><Say voice="alice">` + buf.String() + `</Say></Response>`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
