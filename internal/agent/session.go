// Package agent holds the conversation controller behind an assistant panel.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/taxmate/internal/transcript"
)

var (
	// ErrEmptyInput is returned by Submit for blank text. Callers ignore it.
	ErrEmptyInput = errors.New("agent: empty input")
	// ErrRequestInFlight is returned by Submit while a reply is pending. Callers ignore it.
	ErrRequestInFlight = errors.New("agent: request in flight")
	// ErrClosed is returned once the session has been torn down.
	ErrClosed = errors.New("agent: session closed")
)

// Snapshot is a point-in-time copy of everything a panel renders.
type Snapshot struct {
	Exchanges        []transcript.Exchange
	Input            string
	AwaitingReply    bool
	Listening        bool
	VoiceOutput      bool
	CaptureAvailable bool
}

type Option func(*Session)

func WithLogger(l zerolog.Logger) Option { return func(s *Session) { s.log = l } }

// WithVoiceOutput sets whether resolved replies are spoken. Default on.
func WithVoiceOutput(on bool) Option { return func(s *Session) { s.voice = on } }

// WithStrict makes transcript invariant violations panic instead of being logged.
func WithStrict(strict bool) Option { return func(s *Session) { s.strict = strict } }

// WithOnChange registers a hook called after every observable state change.
// It runs outside the session lock and may call Snapshot.
func WithOnChange(fn func()) Option { return func(s *Session) { s.onChange = fn } }

// Session is the conversation controller for one panel. It is the only
// authority over whether a request is in flight and whether capture is active.
type Session struct {
	dispatcher Dispatcher
	capture    Capture
	speaker    Speaker
	log        zerolog.Logger
	strict     bool
	onChange   func()
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// toggleMu serializes capture start/stop, which may block on the network.
	toggleMu sync.Mutex

	// speakMu orders a reply's Speak against Close's speaker.Stop.
	speakMu sync.Mutex

	mu         sync.Mutex
	store      *transcript.Store
	input      string
	pendingID  string
	reqCancel  context.CancelFunc
	reqDone    chan struct{}
	voice      bool
	listening  bool
	captureSeq uint64
	closed     bool
}

// NewSession builds a controller. capture and speaker may be nil for a
// text-only panel.
func NewSession(d Dispatcher, capture Capture, speaker Speaker, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		dispatcher: d,
		capture:    capture,
		speaker:    speaker,
		log:        zerolog.Nop(),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		store:      transcript.NewStore(),
		voice:      true,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit appends a pending exchange for text and dispatches it.
func (s *Session) Submit(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.pendingID != "" {
		s.mu.Unlock()
		return ErrRequestInFlight
	}
	ex, err := transcript.NewExchange(text, s.now())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.store.Append(ex); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("append exchange: %w", err)
	}
	ctx, cancel := context.WithCancel(s.ctx)
	prev, done := s.reqDone, make(chan struct{})
	s.pendingID = ex.ID
	s.reqCancel = cancel
	s.reqDone = done
	s.input = ""
	s.mu.Unlock()

	s.notify()
	go s.dispatch(ctx, cancel, prev, done, ex.ID, text)
	return nil
}

// SubmitInput submits the input buffer, like pressing Enter.
func (s *Session) SubmitInput() error {
	s.mu.Lock()
	text := s.input
	s.mu.Unlock()
	return s.Submit(text)
}

func (s *Session) SetInput(text string) {
	s.mu.Lock()
	s.input = text
	s.mu.Unlock()
	s.notify()
}

func (s *Session) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

// dispatch sends one request. A request cancelled by Clear may still be
// unwinding, so each request waits for prev to finish before touching the
// dispatcher, and skips the call if it was cancelled meanwhile.
func (s *Session) dispatch(ctx context.Context, cancel context.CancelFunc, prev <-chan struct{}, done chan<- struct{}, id, text string) {
	defer close(done)
	defer cancel()
	if prev != nil {
		<-prev
	}
	if ctx.Err() != nil {
		s.resolve(id, transcript.Failure())
		return
	}
	started := s.now()
	reply, err := s.dispatcher.Send(ctx, text)
	outcome := transcript.Answer(reply)
	if err != nil {
		s.log.Warn().Err(err).Str("exchange", id).Msg("chat request failed")
		outcome = transcript.Failure()
	} else {
		s.log.Debug().Str("exchange", id).Dur("took", s.now().Sub(started)).Msg("chat reply received")
	}
	s.resolve(id, outcome)
}

// resolve applies outcome to exchange id. Outcomes for an exchange that is no
// longer pending, because the transcript was cleared or the session closed, are dropped.
func (s *Session) resolve(id string, outcome transcript.Outcome) {
	s.mu.Lock()
	if s.closed || s.pendingID != id {
		s.mu.Unlock()
		s.log.Debug().Str("exchange", id).Msg("dropping stale outcome")
		return
	}
	if err := s.store.ResolvePending(id, outcome); err != nil {
		s.mu.Unlock()
		if s.strict {
			panic(fmt.Sprintf("agent: resolve %s: %v", id, err))
		}
		s.log.Error().Err(err).Str("exchange", id).Msg("transcript invariant violated")
		return
	}
	s.pendingID = ""
	s.reqCancel = nil
	speak := !outcome.Failed && s.voice && s.speaker != nil
	s.mu.Unlock()

	s.notify()
	if speak {
		s.speakReply(outcome.Text)
	}
}

// speakReply plays text unless the session closed after the reply resolved.
func (s *Session) speakReply(text string) {
	s.speakMu.Lock()
	defer s.speakMu.Unlock()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.speaker.Speak(text)
	}
}

// ToggleCapture starts a capture session if none is active and stops it otherwise.
// It does nothing when speech capture is unavailable.
func (s *Session) ToggleCapture() error {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.listening {
		s.listening = false
		s.mu.Unlock()
		err := s.capture.Stop()
		s.notify()
		return err
	}
	if s.capture == nil || !s.capture.Available() {
		s.mu.Unlock()
		return nil
	}
	s.captureSeq++
	seq := s.captureSeq
	s.mu.Unlock()

	ch, err := s.capture.Start(s.ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("capture start failed")
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// Close ran while Start was connecting; release what it opened.
		if err := s.capture.Stop(); err != nil {
			s.log.Warn().Err(err).Msg("capture stop after close")
		}
		go func() {
			for range ch {
			}
		}()
		return ErrClosed
	}
	s.listening = true
	s.mu.Unlock()
	s.notify()

	go s.awaitTranscript(seq, ch)
	return nil
}

// awaitTranscript puts the capture session's final transcript into the input
// buffer. It never submits. Results from a superseded session are ignored.
func (s *Session) awaitTranscript(seq uint64, ch <-chan string) {
	text, ok := <-ch
	s.mu.Lock()
	if s.closed || seq != s.captureSeq {
		s.mu.Unlock()
		return
	}
	s.listening = false
	if ok && strings.TrimSpace(text) != "" {
		s.input = text
	}
	s.mu.Unlock()
	s.notify()
}

// ToggleVoiceOutput flips voice output for future replies and returns the new value.
func (s *Session) ToggleVoiceOutput() bool {
	s.mu.Lock()
	s.voice = !s.voice
	on := s.voice
	s.mu.Unlock()
	s.notify()
	return on
}

// Clear empties the transcript, including a pending exchange. The session
// returns to idle; the request still in flight is cancelled and its outcome dropped.
func (s *Session) Clear() {
	s.mu.Lock()
	s.store.Clear()
	s.pendingID = ""
	if s.reqCancel != nil {
		s.reqCancel()
		s.reqCancel = nil
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Exchanges:        s.store.Exchanges(),
		Input:            s.input,
		AwaitingReply:    s.pendingID != "",
		Listening:        s.listening,
		VoiceOutput:      s.voice,
		CaptureAvailable: s.capture != nil && s.capture.Available(),
	}
}

// Close tears the panel down: capture is released, playback stops, in-flight
// requests are cancelled and every later outcome is dropped.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.listening = false
	s.captureSeq++
	s.mu.Unlock()

	s.cancel()
	if s.capture != nil {
		if err := s.capture.Stop(); err != nil {
			s.log.Warn().Err(err).Msg("capture stop on close")
		}
	}
	if s.speaker != nil {
		s.speakMu.Lock()
		s.speaker.Stop()
		s.speakMu.Unlock()
	}
}

func (s *Session) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}
