package tracking

import (
	"html"
	"regexp"
	"strings"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/outreach"
)

// UnsubscribePlaceholder is replaced with the signed unsubscribe link.
const UnsubscribePlaceholder = "%%unsubscribe_url%%"

var hrefPattern = regexp.MustCompile(`href="(https?://[^"]+)"`)

// Decorator adds click tracking, an unsubscribe link and an open pixel to
// email bodies. Other channels pass through unchanged.
type Decorator struct {
	signer *Signer
}

// NewDecorator creates a decorator minting links with signer.
func NewDecorator(signer *Signer) *Decorator {
	return &Decorator{signer: signer}
}

// Decorate implements outreach.Decorator.
func (d *Decorator) Decorate(ch domain.Channel, body string, ref outreach.TrackingRef) string {
	if ch != domain.ChannelEmail {
		return body
	}

	body = hrefPattern.ReplaceAllStringFunc(body, func(m string) string {
		target := html.UnescapeString(hrefPattern.FindStringSubmatch(m)[1])
		return `href="` + html.EscapeString(d.signer.ClickURL(ref, target)) + `"`
	})
	body = strings.ReplaceAll(body, UnsubscribePlaceholder, d.signer.UnsubscribeURL(ref))

	pixel := `<img src="` + d.signer.OpenURL(ref) + `" width="1" height="1" alt="" style="display:none">`
	if i := strings.LastIndex(strings.ToLower(body), "</body>"); i >= 0 {
		return body[:i] + pixel + body[i:]
	}
	return body + pixel
}
