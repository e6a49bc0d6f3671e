package httpserver

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	frames [][]byte
	events []string
}

func (r *recorder) send(b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, b)
	return nil
}

func (r *recorder) notify(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() (int, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames), append([]string(nil), r.events...)
}

func TestPCMPacer_FramesAndTail(t *testing.T) {
	rec := &recorder{}
	p := newPCMPacer(rec.send, rec.notify)
	defer p.Close()

	require.NoError(t, p.WritePCM(make([]byte, frameBytes+10)))
	p.FlushTail()

	require.Eventually(t, func() bool {
		_, events := rec.snapshot()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)
	frames, events := rec.snapshot()
	assert.Equal(t, 2, frames)
	assert.Equal(t, []string{"audio_end"}, events)
	rec.mu.Lock()
	assert.Len(t, rec.frames[1], frameBytes, "tail is zero-padded to a full frame")
	rec.mu.Unlock()
}

func TestPCMPacer_ResetDropsQueuedAudio(t *testing.T) {
	rec := &recorder{}
	p := newPCMPacer(rec.send, rec.notify)
	defer p.Close()

	require.NoError(t, p.WritePCM(make([]byte, 50*frameBytes)))
	p.Reset()
	time.Sleep(100 * time.Millisecond)

	frames, events := rec.snapshot()
	assert.LessOrEqual(t, frames, 2)
	assert.Equal(t, []string{"audio_reset"}, events)
}

func TestPCMPacer_ClosedRejectsWrites(t *testing.T) {
	rec := &recorder{}
	p := newPCMPacer(rec.send, rec.notify)
	p.Close()
	p.Close()
	assert.ErrorIs(t, p.WritePCM([]byte{1, 2}), errPacerClosed)
}
