// Package credential injects the server-held upstream API key into outbound chat payloads.
package credential

import (
	"errors"
	"strings"

	"github.com/ffaiyaz23/cockpitrelay/internal/backend"
)

// ErrMissingCredential is returned when no API key is configured for the process.
var ErrMissingCredential = errors.New("upstream API key not configured")

const redacted = "[REDACTED]"

// Secret holds the upstream API key. Its formatted forms are redacted so it can
// be passed to loggers and %v verbs without leaking.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string { return s.String() }

// Reveal returns the raw value. Only the outbound payload should ever see it.
func (s Secret) Reveal() string { return string(s) }

// Valid reports whether the secret is a usable non-blank value.
func (s Secret) Valid() bool { return strings.TrimSpace(string(s)) != "" }

// Inject builds the outbound payload for req. The api_key field is always the
// server's secret; inbound requests have no way to set it. An empty model is
// replaced by defaultModel.
func Inject(req backend.ChatRequest, secret Secret, defaultModel string) (backend.OutboundPayload, error) {
	if !secret.Valid() {
		return backend.OutboundPayload{}, ErrMissingCredential
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = defaultModel
	}
	return backend.OutboundPayload{
		DeveloperMessage: req.DeveloperMessage,
		UserMessage:      req.UserMessage,
		Model:            model,
		APIKey:           secret.Reveal(),
	}, nil
}
