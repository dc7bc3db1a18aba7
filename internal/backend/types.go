package backend

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// ChatRequest is the body the browser posts to the relay.
// DeveloperMessage carries the persona/system instructions.
// UserMessage is the user's input text.
// Model is optional; the relay substitutes its default when empty.
type ChatRequest struct {
	DeveloperMessage string `json:"developer_message,omitempty"`
	UserMessage      string `json:"user_message,omitempty"`
	Model            string `json:"model,omitempty"`
}

// OutboundPayload is what the relay posts to {origin}/api/chat.
type OutboundPayload struct {
	DeveloperMessage string `json:"developer_message,omitempty"`
	UserMessage      string `json:"user_message,omitempty"`
	Model            string `json:"model"`
	APIKey           string `json:"api_key"`
}

// MarshalLogObject logs the payload without its api_key.
func (p OutboundPayload) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("model", p.Model)
	enc.AddInt("developer_message_len", len(p.DeveloperMessage))
	enc.AddInt("user_message_len", len(p.UserMessage))
	enc.AddBool("api_key_set", p.APIKey != "")
	return nil
}

// UpstreamError is returned when the backend answers with a non-2xx status.
// Body is a truncated copy of the upstream error text for server-side logs.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("backend responded with status %d", e.StatusCode)
}
