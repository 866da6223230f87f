// Package httpx builds the HTTP client shared by outbound integrations
// (Anthropic, Slack).
package httpx

import (
	"net/http"
	"time"
)

const DefaultExternalTimeout = 10 * time.Second

// ExternalTimeout converts a configured number of seconds into a timeout,
// falling back to DefaultExternalTimeout for non-positive values.
func ExternalTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return DefaultExternalTimeout
	}
	return time.Duration(seconds) * time.Second
}

func NewExternalClient(seconds int) *http.Client {
	return &http.Client{Timeout: ExternalTimeout(seconds)}
}
