// Package consumer reads a relayed chat stream the way the cockpit UI does:
// incrementally, decoding UTF-8 across chunk boundaries and handing the
// growing message to a callback after every read.
package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/ffaiyaz23/cockpitrelay/internal/backend"
)

// RelayError is a non-200 answer from the relay.
type RelayError struct {
	StatusCode int
	Message    string
}

func (e *RelayError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay responded with status %d", e.StatusCode)
	}
	return fmt.Sprintf("relay responded with status %d: %s", e.StatusCode, e.Message)
}

// Client posts chat requests to the relay's /api/chat endpoint.
type Client struct {
	url  string
	http *http.Client
}

// NewClient returns a client for relayURL. A nil httpClient means http.DefaultClient.
func NewClient(relayURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{url: relayURL, http: httpClient}
}

// Stream sends req and calls onUpdate with the full text received so far each
// time new text is decoded. It returns the complete message once the relay
// closes the stream.
func (c *Client) Stream(ctx context.Context, req backend.ChatRequest, onUpdate func(text string)) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	r.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(r)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&e)
		return "", &RelayError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	return Read(resp.Body, onUpdate)
}

// Read decodes src until EOF, invoking onUpdate (if non-nil) with the
// accumulated text after each decoded piece. Invalid UTF-8 is replaced with
// U+FFFD; a rune split across reads is held until it completes.
func Read(src io.Reader, onUpdate func(text string)) (string, error) {
	dec := transform.NewReader(src, unicode.UTF8.NewDecoder())
	var acc strings.Builder
	buf := make([]byte, 4<<10)
	for {
		n, err := dec.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			if onUpdate != nil {
				onUpdate(acc.String())
			}
		}
		if errors.Is(err, io.EOF) {
			return acc.String(), nil
		}
		if err != nil {
			return acc.String(), err
		}
	}
}
