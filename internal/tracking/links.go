// Package tracking turns recipient and provider engagement (open pixels,
// click redirects, unsubscribe links, Twilio callbacks) into engagement
// reports for the outreach ledger.
package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/outreach"
)

var (
	ErrBadSignature = errors.New("tracking: invalid signature")
	ErrMalformed    = errors.New("tracking: malformed link")
)

// Signer builds and verifies signed tracking links.
type Signer struct {
	key     []byte
	baseURL string
}

// NewSigner creates a signer that mints links under baseURL.
func NewSigner(signingKey, baseURL string) *Signer {
	return &Signer{key: []byte(signingKey), baseURL: strings.TrimRight(baseURL, "/")}
}

// OpenURL is the open pixel for a dispatch.
func (s *Signer) OpenURL(ref outreach.TrackingRef) string {
	return s.link("open", ref)
}

// ClickURL redirects to target after recording a click.
func (s *Signer) ClickURL(ref outreach.TrackingRef, target string) string {
	return s.link("click", ref, target)
}

// UnsubscribeURL records an unsubscribe for the enrollment.
func (s *Signer) UnsubscribeURL(ref outreach.TrackingRef) string {
	return s.link("unsubscribe", ref)
}

func (s *Signer) link(kind string, ref outreach.TrackingRef, extra ...string) string {
	fields := append([]string{ref.EnrollmentID, strconv.Itoa(ref.StepIndex), string(ref.Channel)}, extra...)
	data := strings.Join(fields, "|")
	encoded := base64.URLEncoding.EncodeToString([]byte(data))
	return fmt.Sprintf("%s/track/%s/%s/%s", s.baseURL, kind, encoded, s.sign(data))
}

// Decode verifies a link's payload and returns the dispatch it refers to
// plus the trailing field (the click target), if any.
func (s *Signer) Decode(encoded, signature string) (outreach.TrackingRef, string, error) {
	decoded, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return outreach.TrackingRef{}, "", ErrMalformed
	}
	data := string(decoded)
	if !hmac.Equal([]byte(s.sign(data)), []byte(signature)) {
		return outreach.TrackingRef{}, "", ErrBadSignature
	}

	parts := strings.SplitN(data, "|", 4)
	if len(parts) < 3 || parts[0] == "" {
		return outreach.TrackingRef{}, "", ErrMalformed
	}
	step, err := strconv.Atoi(parts[1])
	if err != nil || step < 0 {
		return outreach.TrackingRef{}, "", ErrMalformed
	}
	ref := outreach.TrackingRef{
		EnrollmentID: parts[0],
		StepIndex:    step,
		Channel:      domain.Channel(parts[2]),
	}
	var extra string
	if len(parts) == 4 {
		extra = parts[3]
	}
	return ref, extra, nil
}

// sign creates an HMAC signature
func (s *Signer) sign(data string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
