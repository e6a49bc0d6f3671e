package tts

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
	"github.com/rs/zerolog"
)

const (
	defaultDeepgramModel = "aura-2-thalia-en"
	// deepgramIdle ends a sentence once audio has stopped arriving for this long.
	deepgramIdle = 400 * time.Millisecond
	// deepgramMaxSentence bounds a single synthesis request.
	deepgramMaxSentence = 12 * time.Second
)

// Deepgram synthesizes 48 kHz linear16 audio with Aura over the speak websocket.
type Deepgram struct {
	apiKey     string
	model      string
	sampleRate int
	encoding   string
	log        zerolog.Logger
}

func NewDeepgram(apiKey, model string, log zerolog.Logger) *Deepgram {
	if model == "" {
		model = defaultDeepgramModel
	}
	return &Deepgram{apiKey: apiKey, model: model, sampleRate: 48000, encoding: "linear16", log: log}
}

func (d *Deepgram) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)
		if d.apiKey == "" {
			errCh <- fmt.Errorf("deepgram: api key missing")
			return
		}
		if text == "" {
			return
		}
		if err := d.speak(ctx, text, pcmCh); err != nil {
			errCh <- err
		}
	}()
	return pcmCh, errCh
}

func (d *Deepgram) speak(ctx context.Context, text string, pcmCh chan<- []byte) error {
	var lastRecv atomic.Int64
	cb := &speakCallback{onBinary: func(data []byte) error {
		if len(data) == 0 {
			return nil
		}
		lastRecv.Store(time.Now().UnixNano())
		b := make([]byte, len(data))
		copy(b, data)
		select {
		case pcmCh <- b:
		default:
		}
		return nil
	}}

	opts := &clientinterfaces.WSSpeakOptions{Model: d.model, Encoding: d.encoding, SampleRate: d.sampleRate}
	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, opts, cb)
	if err != nil {
		return fmt.Errorf("deepgram: create ws client: %w", err)
	}
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(dg.Stop) }
	defer stop()

	if ok := dg.Connect(); !ok {
		return fmt.Errorf("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		d.log.Warn().Err(err).Msg("deepgram flush failed")
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(deepgramMaxSentence)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if last := lastRecv.Load(); last != 0 && now.Sub(time.Unix(0, last)) > deepgramIdle {
				return nil
			}
			if now.After(deadline) {
				d.log.Warn().Int("chars", len(text)).Msg("deepgram sentence timed out")
				return nil
			}
		}
	}
}

type speakCallback struct{ onBinary func([]byte) error }

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
