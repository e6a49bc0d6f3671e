// Package transcript holds the ordered log of user/assistant exchanges shown by a panel.
package transcript

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrorMarker is the assistant text of an exchange whose request failed.
// It is never produced by the chat service itself.
const ErrorMarker = "❌ Error connecting to server."

var (
	// ErrNoPendingExchange is returned when resolving with nothing awaiting a reply.
	ErrNoPendingExchange = errors.New("transcript: no pending exchange")
	// ErrExchangeMismatch is returned when the pending exchange has a different id.
	ErrExchangeMismatch = errors.New("transcript: pending exchange id mismatch")
	// ErrPendingExists is returned when appending while another exchange is pending.
	ErrPendingExists = errors.New("transcript: an exchange is already pending")
)

// Status is the resolution state of an exchange.
type Status int

const (
	StatusPending Status = iota
	StatusAnswered
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAnswered:
		return "answered"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Exchange is one turn of dialogue.
type Exchange struct {
	ID            string
	UserText      string
	AssistantText string
	Status        Status
	CreatedAt     time.Time
}

// Pending reports whether the exchange still awaits its reply.
func (e Exchange) Pending() bool { return e.Status == StatusPending }

// NewExchange creates a pending exchange with a fresh ULID.
func NewExchange(userText string, now time.Time) (Exchange, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return Exchange{}, fmt.Errorf("generate exchange id: %w", err)
	}
	return Exchange{
		ID:        id.String(),
		UserText:  userText,
		Status:    StatusPending,
		CreatedAt: now,
	}, nil
}

// Outcome is the result applied to a pending exchange.
type Outcome struct {
	Text   string
	Failed bool
}

// Answer is a successful outcome carrying the reply.
func Answer(reply string) Outcome { return Outcome{Text: reply} }

// Failure is the outcome of a failed request.
func Failure() Outcome { return Outcome{Text: ErrorMarker, Failed: true} }

// Store is the ordered exchange log. Insertion order is display order.
// Store is not safe for concurrent use; its owner serializes access.
type Store struct {
	exchanges []Exchange
}

// NewStore returns an empty store.
func NewStore() *Store { return &Store{} }

// Append adds a pending exchange at the end.
func (s *Store) Append(ex Exchange) error {
	if ex.ID == "" {
		return errors.New("transcript: exchange id required")
	}
	if _, ok := s.pendingIndex(); ok {
		return ErrPendingExists
	}
	ex.Status = StatusPending
	ex.AssistantText = ""
	s.exchanges = append(s.exchanges, ex)
	return nil
}

// ResolvePending applies outcome to the pending exchange identified by id.
// On error the store is left unchanged.
func (s *Store) ResolvePending(id string, outcome Outcome) error {
	i, ok := s.pendingIndex()
	if !ok {
		return ErrNoPendingExchange
	}
	if s.exchanges[i].ID != id {
		return ErrExchangeMismatch
	}
	s.exchanges[i].AssistantText = outcome.Text
	if outcome.Failed {
		s.exchanges[i].Status = StatusFailed
	} else {
		s.exchanges[i].Status = StatusAnswered
	}
	return nil
}

// Clear empties the log, including a pending exchange.
func (s *Store) Clear() { s.exchanges = nil }

// Len returns the number of exchanges.
func (s *Store) Len() int { return len(s.exchanges) }

// Exchanges returns a copy of the log in insertion order.
func (s *Store) Exchanges() []Exchange {
	out := make([]Exchange, len(s.exchanges))
	copy(out, s.exchanges)
	return out
}

// Pending returns the pending exchange, if any.
func (s *Store) Pending() (Exchange, bool) {
	i, ok := s.pendingIndex()
	if !ok {
		return Exchange{}, false
	}
	return s.exchanges[i], true
}

// A pending exchange can only be the last one.
func (s *Store) pendingIndex() (int, bool) {
	n := len(s.exchanges)
	if n == 0 || !s.exchanges[n-1].Pending() {
		return 0, false
	}
	return n - 1, true
}
