// Package peer forwards delegated questions to a companion agent over HTTP.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Prefix marks a message as a question for the peer agent.
const Prefix = "ask other:"

// Delegated reports whether the message is addressed to the peer agent,
// returning the question with the prefix stripped.
func Delegated(message string) (string, bool) {
	if !strings.HasPrefix(strings.ToLower(message), Prefix) {
		return "", false
	}
	return strings.TrimSpace(message[len(Prefix):]), true
}

// Client talks to the peer agent's chat endpoint.
type Client struct {
	url  string
	http *http.Client
}

// New creates a client for the given peer URL. A zero timeout defaults
// to 10 seconds.
func New(peerURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:  peerURL,
		http: &http.Client{Timeout: timeout},
	}
}

// Ask forwards the question and returns the peer's answer. Failures are
// folded into the returned text so the caller can always speak something;
// a delegation turn degrades, it never errors out.
func (c *Client) Ask(ctx context.Context, question string) string {
	form := url.Values{
		"message":  {question},
		"platform": {"external"},
		"user_id":  {"external"},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Sprintf("[Failed to contact peer agent: %v]", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("peer agent unreachable", "error", err)
		return fmt.Sprintf("[Failed to contact peer agent: %v]", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("peer agent error", "status", resp.StatusCode)
		return fmt.Sprintf("[Peer agent error: %d]", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Sprintf("[Failed to contact peer agent: %v]", err)
	}

	var parsed struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Sprintf("[Failed to contact peer agent: %v]", err)
	}
	return parsed.Response
}
