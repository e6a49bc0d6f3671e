// Package tts reads assistant replies aloud.
package tts

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chadiek/taxmate/internal/richtext"
)

// Streamer synthesizes one chunk of text into 48 kHz mono s16le PCM.
// Both channels are closed when synthesis ends.
type Streamer interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// Sink is where audio goes. Reset discards anything buffered but not yet played;
// FlushTail marks the end of an utterance.
type Sink interface {
	WritePCM(pcm []byte) error
	FlushTail()
	Reset()
}

// Speaker plays at most one utterance at a time. Speak cancels the current
// utterance before it returns, so a stale reply is never heard after a new one starts.
type Speaker struct {
	streamer Streamer
	sink     Sink
	log      zerolog.Logger

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

func NewSpeaker(streamer Streamer, sink Sink, log zerolog.Logger) *Speaker {
	return &Speaker{streamer: streamer, sink: sink, log: log}
}

// Speak replaces whatever is playing with text. Markdown is read as plain sentences.
func (s *Speaker) Speak(text string) {
	sentences := richtext.Sentences(richtext.PlainText(text))

	s.mu.Lock()
	s.stopLocked()
	if len(sentences) == 0 {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	gen := s.gen
	s.mu.Unlock()

	go s.play(ctx, gen, sentences)
}

// Stop silences the current utterance, if any.
func (s *Speaker) Stop() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
}

func (s *Speaker) stopLocked() {
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.sink.Reset()
}

func (s *Speaker) play(ctx context.Context, gen uint64, sentences []string) {
	for _, sentence := range sentences {
		pcmCh, errCh := s.streamer.StreamPCM48k(ctx, sentence)
		for pcm := range pcmCh {
			if !s.write(gen, pcm) {
				return
			}
		}
		if err := <-errCh; err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("synthesis failed")
			break
		}
		if ctx.Err() != nil {
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.sink.FlushTail()
		s.cancel = nil
	}
}

// write forwards pcm only while gen is still the current utterance.
func (s *Speaker) write(gen uint64, pcm []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	if err := s.sink.WritePCM(pcm); err != nil {
		s.log.Debug().Err(err).Msg("audio sink write failed")
		return false
	}
	return true
}

// Nop is the playback adapter used when no synthesis provider is configured.
type Nop struct{}

func (Nop) Speak(string) {}
func (Nop) Stop()        {}
