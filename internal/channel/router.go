package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
)

// Factory builds an adapter for a channel from its credentials.
type Factory func(ctx context.Context, ch domain.Channel, cfg ProviderConfig) (Adapter, error)

// DefaultTimeouts are used when a credential record carries no timeout.
// Voice calls take longest to be accepted.
var DefaultTimeouts = map[domain.Channel]time.Duration{
	domain.ChannelEmail: 15 * time.Second,
	domain.ChannelSMS:   10 * time.Second,
	domain.ChannelVoice: 45 * time.Second,
}

type routeEntry struct {
	adapter Adapter
	timeout time.Duration
}

// Router resolves the adapter for a channel lazily from the credential
// store and applies the channel's fixed timeout to every send.
type Router struct {
	creds     CredentialStore
	factories map[string]Factory

	mu     sync.RWMutex
	routes map[domain.Channel]routeEntry
}

// NewRouter creates a router with the built-in provider factories.
func NewRouter(creds CredentialStore) *Router {
	r := &Router{
		creds:     creds,
		factories: make(map[string]Factory),
		routes:    make(map[domain.Channel]routeEntry),
	}
	r.Register("ses", NewSESAdapter)
	r.Register("sendgrid", NewSendGridAdapter)
	r.Register("twilio", NewTwilioAdapter)
	r.Register("dryrun", NewDryRunAdapter)
	return r
}

// Register adds or replaces the factory for a provider name.
func (r *Router) Register(provider string, f Factory) {
	r.mu.Lock()
	r.factories[provider] = f
	r.mu.Unlock()
}

// Use installs a prebuilt adapter for its channel.
func (r *Router) Use(a Adapter, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeouts[a.Channel()]
	}
	r.mu.Lock()
	r.routes[a.Channel()] = routeEntry{adapter: a, timeout: timeout}
	r.mu.Unlock()
}

// resolve returns the cached route for ch or builds it. Credentials and the
// factory run unlocked so a slow credential store stalls only its own
// channel; when two builds race the first stored route wins.
func (r *Router) resolve(ctx context.Context, ch domain.Channel) (routeEntry, error) {
	r.mu.RLock()
	e, ok := r.routes[ch]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}
	if r.creds == nil {
		return routeEntry{}, fmt.Errorf("no adapter installed for %s", ch)
	}
	cfg, err := r.creds.ProviderCredentials(ctx, ch)
	if err != nil {
		return routeEntry{}, fmt.Errorf("credentials for %s: %w", ch, err)
	}
	r.mu.RLock()
	factory, ok := r.factories[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return routeEntry{}, fmt.Errorf("unknown %s provider %q", ch, cfg.Provider)
	}
	a, err := factory(ctx, ch, cfg)
	if err != nil {
		return routeEntry{}, fmt.Errorf("build %s adapter: %w", cfg.Provider, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeouts[ch]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.routes[ch]; ok {
		return existing, nil
	}
	e = routeEntry{adapter: a, timeout: timeout}
	r.routes[ch] = e
	return e, nil
}

// Timeout returns the fixed send timeout for ch.
func (r *Router) Timeout(ctx context.Context, ch domain.Channel) time.Duration {
	if e, err := r.resolve(ctx, ch); err == nil {
		return e.timeout
	}
	return DefaultTimeouts[ch]
}

// Send delivers msg over its channel with the channel timeout. A missing
// adapter is reported as a transient failure so configuration can be fixed
// before retries are exhausted. An already expired ctx reaches no adapter.
func (r *Router) Send(ctx context.Context, msg Message) Result {
	if err := ctx.Err(); err != nil {
		return contextResult(err)
	}
	e, err := r.resolve(ctx, msg.Channel)
	if err != nil {
		return transient(CodeNoAdapter, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res := e.adapter.Send(sendCtx, msg)
	if res.Outcome != Sent && sendCtx.Err() != nil {
		return contextResult(sendCtx.Err())
	}
	return res
}

// Verify checks every channel that has credentials configured.
func (r *Router) Verify(ctx context.Context) map[domain.Channel]error {
	out := make(map[domain.Channel]error, len(domain.Channels))
	for _, ch := range domain.Channels {
		e, err := r.resolve(ctx, ch)
		if err != nil {
			out[ch] = err
			continue
		}
		out[ch] = e.adapter.Verify(ctx)
	}
	return out
}
