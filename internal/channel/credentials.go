package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/domain"
)

// ProviderConfig is the per-channel credential record an adapter is built
// from.
type ProviderConfig struct {
	Provider       string
	AccountID      string
	APIKey         string
	Secret         string
	Region         string
	From           string
	FromName       string
	DefaultRegion  string
	StatusCallback string
	Timeout        time.Duration
}

// CredentialStore supplies provider credentials per channel.
type CredentialStore interface {
	ProviderCredentials(ctx context.Context, ch domain.Channel) (ProviderConfig, error)
}

// ConfigCredentials serves credentials from the loaded application config.
type ConfigCredentials struct {
	channels config.ChannelsConfig
}

// NewConfigCredentials wraps the channels section of the config.
func NewConfigCredentials(cfg config.ChannelsConfig) *ConfigCredentials {
	return &ConfigCredentials{channels: cfg}
}

// ProviderCredentials returns the configured provider for ch.
func (c *ConfigCredentials) ProviderCredentials(_ context.Context, ch domain.Channel) (ProviderConfig, error) {
	var p config.ProviderConfig
	switch ch {
	case domain.ChannelEmail:
		p = c.channels.Email
	case domain.ChannelSMS:
		p = c.channels.SMS
	case domain.ChannelVoice:
		p = c.channels.Voice
	default:
		return ProviderConfig{}, fmt.Errorf("no provider for channel %q", ch)
	}
	return ProviderConfig{
		Provider:       p.Provider,
		AccountID:      p.AccountID,
		APIKey:         p.APIKey,
		Secret:         p.Secret,
		Region:         p.Region,
		From:           p.From,
		FromName:       p.FromName,
		DefaultRegion:  p.DefaultRegion,
		StatusCallback: p.StatusCallback,
		Timeout:        p.Timeout(),
	}, nil
}
