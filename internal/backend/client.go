// internal/backend/client.go
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ChatPath is the upstream chat endpoint, relative to the resolved origin.
const ChatPath = "/api/chat"

// HopHeader marks requests sent by a relay. A relay receiving it is being
// asked to forward to itself.
const HopHeader = "X-Cockpit-Relay"

// maxErrorBody caps how much of an upstream error response is kept for logging.
const maxErrorBody = 4 << 10

// Client posts chat payloads to the upstream backend and hands back the raw
// streamed body. It is safe for concurrent use.
type Client struct {
	http *http.Client
}

// NewClient creates a backend client. connectTimeout bounds dialing and
// headerTimeout bounds the wait for upstream response headers; the body
// itself may stream for as long as the caller's context allows.
func NewClient(connectTimeout, headerTimeout time.Duration) *Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: headerTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		// Relay bytes exactly as the backend sends them.
		DisableCompression: true,
	}
	return &Client{http: &http.Client{Transport: otelhttp.NewTransport(tr)}}
}

// Chat sends a single POST to baseURL+ChatPath. On a 2xx response the caller
// owns the returned body and must close it. Any other status is drained
// (best-effort, capped) into an *UpstreamError.
func (c *Client) Chat(ctx context.Context, baseURL string, p OutboundPayload) (io.ReadCloser, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	url := strings.TrimRight(baseURL, "/") + ChatPath
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(HopHeader, "1")

	resp, err := c.http.Do(r)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(detail)}
	}
	return resp.Body, nil
}
