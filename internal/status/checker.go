// Package status tracks whether the bookkeeping integration is connected.
package status

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

// State is the parsed connection state.
type State int

const (
	Unknown State = iota
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ErrUnreachable covers transport failures, non-2xx responses and bodies that
// do not parse as a status document. It never means "disconnected".
var ErrUnreachable = errors.New("status: unreachable")

// Report is one status observation.
type Report struct {
	State     State     `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

type statusDoc struct {
	Connected *bool   `json:"connected"`
	Status    *string `json:"status"`
	Error     string  `json:"error"`
}

// Parse validates a status response body. Either "connected" (bool) or
// "status" (string) must be present; "connected" wins when both are.
func Parse(body []byte) (Report, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	var doc statusDoc
	if err := dec.Decode(&doc); err != nil {
		return Report{}, fmt.Errorf("%w: decode: %v", ErrUnreachable, err)
	}
	switch {
	case doc.Connected != nil:
		r := Report{State: Disconnected, Detail: doc.Error}
		if *doc.Connected {
			r.State = Connected
		}
		if doc.Status != nil && r.Detail == "" {
			r.Detail = *doc.Status
		}
		return r, nil
	case doc.Status != nil:
		r := Report{State: Disconnected, Detail: *doc.Status}
		if strings.Contains(*doc.Status, "Connected") && !strings.Contains(*doc.Status, "Not Connected") {
			r.State = Connected
		}
		return r, nil
	default:
		return Report{}, fmt.Errorf("%w: body has neither connected nor status", ErrUnreachable)
	}
}

// Checker queries GET <BaseURL>/quickbooks/status.
type Checker struct {
	HTTPClient *http.Client
	BaseURL    string
	now        func() time.Time
}

func NewChecker(baseURL string, timeout time.Duration) *Checker {
	return &Checker{
		HTTPClient: &http.Client{Timeout: timeout},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		now:        time.Now,
	}
}

// Check performs one status request. On error the report's state is Unknown.
func (c *Checker) Check(ctx context.Context) (Report, error) {
	now := c.now()
	unknown := Report{State: Unknown, CheckedAt: now}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/quickbooks/status", nil)
	if err != nil {
		return unknown, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return unknown, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return unknown, fmt.Errorf("%w: read: %v", ErrUnreachable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unknown, fmt.Errorf("%w: status=%d", ErrUnreachable, resp.StatusCode)
	}
	r, err := Parse(body)
	if err != nil {
		return unknown, err
	}
	r.CheckedAt = now
	return r, nil
}
