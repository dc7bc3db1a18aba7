// internal/backend/server.go
package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MockOptions controls the local stand-in for the chat backend.
type MockOptions struct {
	// ChunkDelay is the pause between streamed words.
	ChunkDelay time.Duration
}

// MockHandler speaks the upstream contract: POST /api/chat with an
// OutboundPayload, answered by a plain-text stream echoing the user message
// one word per chunk.
func MockHandler(opts MockOptions) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ChatPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req OutboundPayload
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeDetail(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if req.APIKey == "" {
			writeDetail(w, http.StatusUnauthorized, "api_key is required")
			return
		}
		if strings.TrimSpace(req.UserMessage) == "" {
			writeDetail(w, http.StatusUnprocessableEntity, "user_message is required")
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		full := fmt.Sprintf("Echo: %s", req.UserMessage)
		for i, word := range strings.Fields(full) {
			if i > 0 && opts.ChunkDelay > 0 {
				select {
				case <-r.Context().Done():
					return
				case <-time.After(opts.ChunkDelay):
				}
			}
			if _, err := w.Write([]byte(word + " ")); err != nil {
				zap.S().Debugw("mock backend write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	})
	return mux
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// StartMockServer starts the mock backend on addr (e.g. "127.0.0.1:0").
// It returns the server instance and the actual listening address.
func StartMockServer(addr string, opts MockOptions) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("mock backend listen: %w", err)
	}
	server := &http.Server{Handler: MockHandler(opts), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		zap.S().Infow("mock backend listening", "address", ln.Addr().String(), "chunk_delay", opts.ChunkDelay)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.S().Errorw("mock backend stopped", "error", err)
		}
	}()
	return server, ln.Addr().String(), nil
}
