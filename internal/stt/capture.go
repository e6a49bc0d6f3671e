// Package stt turns microphone audio into one final transcript per capture session.
package stt

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Unavailable is the capture adapter for hosts without speech recognition.
// It never activates and never emits.
type Unavailable struct{}

func (Unavailable) Available() bool { return false }

func (Unavailable) Start(context.Context) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, nil
}

func (Unavailable) Stop() error  { return nil }
func (Unavailable) Feed([]byte) {}

// AssemblyAI captures one utterance per session from PCM fed by the caller.
type AssemblyAI struct {
	apiKey string
	url    string
	timing timing
	log    zerolog.Logger

	mu  sync.Mutex
	cur *stream
}

type Option func(*AssemblyAI)

// WithURL points the adapter at another realtime endpoint.
func WithURL(u string) Option { return func(a *AssemblyAI) { a.url = u } }

func WithLogger(l zerolog.Logger) Option { return func(a *AssemblyAI) { a.log = l } }

// WithSilence overrides end-of-utterance detection timing.
func WithSilence(threshold, grace time.Duration) Option {
	return func(a *AssemblyAI) {
		a.timing.silence = threshold
		a.timing.grace = grace
	}
}

func NewAssemblyAI(apiKey string, opts ...Option) *AssemblyAI {
	a := &AssemblyAI{apiKey: apiKey, url: DefaultURL, timing: defaultTiming, log: zerolog.Nop()}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *AssemblyAI) Available() bool { return a.apiKey != "" }

// Start opens a recognition session. The returned channel carries at most one
// final transcript and is closed when the session ends. A running session is
// stopped first.
func (a *AssemblyAI) Start(ctx context.Context) (<-chan string, error) {
	a.mu.Lock()
	prev := a.cur
	a.cur = nil
	a.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	st := newStream(a.apiKey, a.url, a.timing, a.log)
	if err := st.Connect(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.cur = st
	a.mu.Unlock()

	out := make(chan string, 1)
	go func() {
		defer close(out)
		select {
		case text, ok := <-st.Final():
			if ok {
				out <- text
			}
		case <-ctx.Done():
		}
		_ = st.Close()
		a.mu.Lock()
		if a.cur == st {
			a.cur = nil
		}
		a.mu.Unlock()
	}()
	return out, nil
}

// Stop ends the running session. Speech recognized so far becomes its final transcript.
func (a *AssemblyAI) Stop() error {
	a.mu.Lock()
	st := a.cur
	a.cur = nil
	a.mu.Unlock()
	if st == nil {
		return nil
	}
	return st.Close()
}

// Feed forwards 16 kHz mono s16le PCM to the running session, if any.
func (a *AssemblyAI) Feed(pcm []byte) {
	a.mu.Lock()
	st := a.cur
	a.mu.Unlock()
	if st != nil {
		_ = st.SendAudio(pcm)
	}
}
