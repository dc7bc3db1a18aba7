// Package origin decides which upstream chat backend a request is forwarded to.
package origin

import "strings"

// DefaultLocalOrigin is where the chat backend listens during local development.
const DefaultLocalOrigin = "http://localhost:8000"

// Settings are the process-wide signals that select the upstream backend.
type Settings struct {
	Local          bool
	LocalOrigin    string
	DeploymentHost string
}

// Resolve returns the base URL for the upstream chat call. The first match wins:
// local mode, then the deployment host over https, then the request's own host
// over http. With no signal at all it falls back to the local origin.
func Resolve(s Settings, requestHost string) string {
	local := strings.TrimRight(strings.TrimSpace(s.LocalOrigin), "/")
	if local == "" {
		local = DefaultLocalOrigin
	}

	if s.Local {
		return local
	}
	if host := bareHost(s.DeploymentHost); host != "" {
		return "https://" + host
	}
	if host := bareHost(requestHost); host != "" {
		return "http://" + host
	}
	return local
}

func bareHost(h string) string {
	h = strings.TrimSpace(h)
	h = strings.TrimPrefix(h, "https://")
	h = strings.TrimPrefix(h, "http://")
	return strings.TrimRight(h, "/")
}
