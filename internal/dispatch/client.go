// Package dispatch performs the panel's single network call to the chat endpoint.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Kind classifies a dispatch failure.
type Kind string

const (
	// Unreachable is a connection or transport failure.
	Unreachable Kind = "UNREACHABLE"
	// ServerRejected is a non-success status or a response that is not {"reply": string}.
	ServerRejected Kind = "SERVER_REJECTED"
)

// Error is a classified dispatch failure.
type Error struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status=%d: %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is a dispatch Error of the given kind.
func Is(err error, kind Kind) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Reply *string `json:"reply"`
}

// Client posts one message to <BaseURL>/chat per call. It never retries or queues.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
}

// NewClient builds a client. A zero timeout leaves requests unbounded.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
		BaseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// Send performs exactly one chat exchange and returns the reply text.
func (c *Client) Send(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(chatRequest{Message: text})
	if err != nil {
		return "", &Error{Kind: ServerRejected, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: Unreachable, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", &Error{Kind: Unreachable, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &Error{Kind: ServerRejected, Status: resp.StatusCode, Err: fmt.Errorf("body=%s", strings.TrimSpace(string(b)))}
	}
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", &Error{Kind: ServerRejected, Status: resp.StatusCode, Err: fmt.Errorf("decode reply: %w", err)}
	}
	if cr.Reply == nil {
		return "", &Error{Kind: ServerRejected, Status: resp.StatusCode, Err: errors.New("response has no reply field")}
	}
	if strings.TrimSpace(*cr.Reply) == "" {
		return "", &Error{Kind: ServerRejected, Status: resp.StatusCode, Err: errors.New("empty reply")}
	}
	return *cr.Reply, nil
}
