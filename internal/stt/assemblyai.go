package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultURL is the AssemblyAI v3 realtime endpoint.
const DefaultURL = "wss://streaming.assemblyai.com/v3/ws"

const (
	// silenceThreshold is the base inactivity window before an utterance is complete.
	silenceThreshold = 700 * time.Millisecond
	// continuationExtension is added when the last word implies the speaker will go on.
	continuationExtension = 1200 * time.Millisecond
	// stabilizationGrace absorbs late ASR updates after the threshold is crossed.
	stabilizationGrace = 250 * time.Millisecond
)

type timing struct {
	silence      time.Duration
	continuation time.Duration
	grace        time.Duration
}

var defaultTiming = timing{silence: silenceThreshold, continuation: continuationExtension, grace: stabilizationGrace}

// stream is one AssemblyAI realtime session. It yields finalized utterances on final.
type stream struct {
	apiKey string
	url    string
	timing timing
	log    zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	audio     chan []byte
	stopCh    chan struct{}

	sendMu sync.Mutex
	final  chan string
	done   bool

	accMu     sync.Mutex
	latest    string
	committed string
	lastText  time.Time
	lastVoice time.Time
	silence   *time.Timer
}

type beginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Type          string `json:"type"`
	Transcript    string `json:"transcript"`
	TurnFormatted bool   `json:"turn_is_formatted"`
}

type terminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func newStream(apiKey, rawURL string, t timing, log zerolog.Logger) *stream {
	return &stream{
		apiKey: apiKey,
		url:    rawURL,
		timing: t,
		log:    log,
		audio:  make(chan []byte, 1000),
		stopCh: make(chan struct{}),
		final:  make(chan string, 1),
	}
}

// Final delivers finalized utterances and is closed when the stream closes.
func (s *stream) Final() <-chan string { return s.final }

func (s *stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	if s.apiKey == "" {
		return fmt.Errorf("assemblyai api key is empty")
	}

	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	wsURL := s.url + "?" + params.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, map[string][]string{"Authorization": {s.apiKey}})
	if err != nil {
		if resp != nil {
			s.log.Warn().Int("status", resp.StatusCode).Msg("assemblyai handshake rejected")
		}
		return fmt.Errorf("connect assemblyai: %w", err)
	}

	s.conn = conn
	s.connected = true
	now := time.Now()
	s.accMu.Lock()
	s.lastText = now
	s.lastVoice = now
	s.accMu.Unlock()

	go s.readLoop()
	go s.writeLoop()
	s.log.Debug().Msg("assemblyai stream connected")
	return nil
}

// SendAudio queues 16 kHz mono s16le PCM. Full buffers drop the frame.
func (s *stream) SendAudio(pcm []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return fmt.Errorf("assemblyai stream not connected")
	}
	s.detectVoiceActivity(pcm)
	select {
	case s.audio <- pcm:
	default:
		s.log.Debug().Msg("audio buffer full, dropping frame")
	}
	return nil
}

// detectVoiceActivity bumps lastVoice when the frame's RMS energy is above a fixed floor.
func (s *stream) detectVoiceActivity(pcm []byte) {
	const minSamples = 160 // 10ms at 16kHz
	if len(pcm) < minSamples*2 {
		return
	}
	step := 2
	if len(pcm) > 3200 {
		step = 4
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return
	}
	const voiceRMS = 250.0
	if math.Sqrt(sumSquares/float64(count)) >= voiceRMS {
		s.accMu.Lock()
		s.lastVoice = time.Now()
		s.accMu.Unlock()
	}
}

func (s *stream) recentlyDetectedVoice(window time.Duration) bool {
	s.accMu.Lock()
	last := s.lastVoice
	s.accMu.Unlock()
	return time.Since(last) <= window
}

// Close terminates the session. Recognized text not yet finalized is flushed to Final first.
func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	close(s.stopCh)
	s.accMu.Lock()
	if s.silence != nil {
		s.silence.Stop()
		s.silence = nil
	}
	s.accMu.Unlock()
	if s.conn != nil {
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteJSON(map[string]string{"type": "Terminate"})
		_ = s.conn.Close()
	}
	s.connected = false
	s.conn = nil
	s.flushPendingDelta()

	s.sendMu.Lock()
	s.done = true
	close(s.final)
	s.sendMu.Unlock()
	close(s.audio)
	s.log.Debug().Msg("assemblyai stream closed")
	return nil
}

func (s *stream) emit(text string) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.done {
		return
	}
	select {
	case s.final <- text:
	default:
		s.log.Debug().Str("text", text).Msg("final transcript already pending, dropping")
	}
}

func (s *stream) readLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				s.log.Warn().Err(err).Msg("assemblyai read failed")
			}
			return
		}
		s.processMessage(message)
	}
}

func (s *stream) processMessage(message []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &head); err != nil || head.Type == "" {
		s.log.Warn().Msg("assemblyai message without type")
		return
	}
	switch head.Type {
	case "Begin":
		var msg beginMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			s.log.Debug().Str("session", msg.ID).Time("expires_at", time.Unix(msg.ExpiresAt, 0)).Msg("assemblyai session began")
		}
	case "Turn":
		var msg turnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.log.Warn().Err(err).Msg("bad Turn message")
			return
		}
		if msg.Transcript == "" {
			return
		}
		s.accMu.Lock()
		s.latest = msg.Transcript
		s.lastText = time.Now()
		if s.silence == nil {
			s.silence = time.AfterFunc(s.timing.silence, s.finalizeDueToSilence)
		} else {
			s.silence.Stop()
			s.silence.Reset(s.timing.silence)
		}
		s.accMu.Unlock()
	case "Termination":
		var msg terminationMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			s.log.Debug().Float64("audio_seconds", msg.AudioDurationSeconds).Msg("assemblyai session terminated")
		}
		s.flushPendingDelta()
	case "Error":
		var msg errorMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			s.log.Error().Str("error", msg.Error).Msg("assemblyai error")
		}
	default:
		s.log.Debug().Str("type", head.Type).Msg("unknown assemblyai message")
	}
}

// rearm must be called with accMu held.
func (s *stream) rearm(wait time.Duration) {
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	if s.silence == nil {
		s.silence = time.AfterFunc(wait, s.finalizeDueToSilence)
		return
	}
	s.silence.Stop()
	s.silence.Reset(wait)
}

func (s *stream) threshold() time.Duration {
	if isContinuationLikely(s.latest) {
		return s.timing.silence + s.timing.continuation
	}
	return s.timing.silence
}

// finalizeDueToSilence emits the text recognized since the last commit once both
// transcript updates and voice energy have been quiet for the threshold.
func (s *stream) finalizeDueToSilence() {
	select {
	case <-s.stopCh:
		return
	default:
	}

	s.accMu.Lock()
	now := time.Now()
	threshold := s.threshold()
	sinceText := now.Sub(s.lastText)
	sinceVoice := now.Sub(s.lastVoice)
	if sinceText < threshold || sinceVoice < threshold {
		wait := threshold - sinceText
		if rem := threshold - sinceVoice; sinceVoice < threshold && (sinceText >= threshold || rem < wait) {
			wait = rem
		}
		s.rearm(wait)
		s.accMu.Unlock()
		return
	}
	seen := s.lastText
	s.accMu.Unlock()

	time.Sleep(s.timing.grace)

	s.accMu.Lock()
	if s.lastText.After(seen) {
		s.rearm(s.threshold() - time.Since(s.lastText))
		s.accMu.Unlock()
		return
	}
	delta := s.commitLocked()
	s.accMu.Unlock()

	if delta == "" {
		return
	}
	select {
	case <-s.stopCh:
		return
	default:
	}
	s.emit(delta)
}

func (s *stream) flushPendingDelta() {
	s.accMu.Lock()
	delta := s.commitLocked()
	s.accMu.Unlock()
	if delta != "" {
		s.emit(delta)
	}
}

// commitLocked returns the uncommitted suffix of the latest transcript and marks it committed.
func (s *stream) commitLocked() string {
	latest, base := s.latest, s.committed
	delta := strings.TrimSpace(strings.TrimPrefix(latest, base))
	if delta == "" && base != "" {
		if idx := strings.LastIndex(latest, base); idx >= 0 {
			delta = strings.TrimSpace(latest[idx+len(base):])
		}
	}
	s.committed = latest
	return delta
}

func (s *stream) writeLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case pcm, ok := <-s.audio:
			if !ok {
				return
			}
			s.mu.RLock()
			conn := s.conn
			if conn != nil {
				if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
					s.mu.RUnlock()
					s.log.Warn().Err(err).Msg("assemblyai audio write failed")
					return
				}
			}
			s.mu.RUnlock()
		}
	}
}

func isContinuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	fields := strings.FieldsFunc(strings.TrimSpace(text), func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
