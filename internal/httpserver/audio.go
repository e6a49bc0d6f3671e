package httpserver

import (
	"errors"
	"sync"
	"time"
)

const (
	// 20ms of 48 kHz mono s16le.
	frameBytes    = 960 * 2
	frameDuration = 20 * time.Millisecond
)

var errPacerClosed = errors.New("audio pacer closed")

// pcmPacer slices 48 kHz PCM into 20ms frames and hands them to send at
// real-time pace, so Reset can still drop audio the browser has not received.
type pcmPacer struct {
	send   func([]byte) error
	notify func(event string)

	mu        sync.Mutex
	buf       []byte
	frames    chan []byte
	stopCh    chan struct{}
	stopped   bool
	closeOnce sync.Once
}

func newPCMPacer(send func([]byte) error, notify func(event string)) *pcmPacer {
	p := &pcmPacer{
		send:   send,
		notify: notify,
		frames: make(chan []byte, 512),
		stopCh: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *pcmPacer) WritePCM(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errPacerClosed
	}
	p.buf = append(p.buf, pcm...)
	for len(p.buf) >= frameBytes {
		frame := make([]byte, frameBytes)
		copy(frame, p.buf[:frameBytes])
		p.buf = p.buf[frameBytes:]
		p.push(frame)
	}
	return nil
}

// FlushTail zero-pads the partial frame and queues an end-of-utterance marker.
func (p *pcmPacer) FlushTail() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if len(p.buf) > 0 {
		frame := make([]byte, frameBytes)
		copy(frame, p.buf)
		p.buf = p.buf[:0]
		p.push(frame)
	}
	p.push(nil)
}

// Reset drops queued frames immediately and tells the browser to discard its buffer.
func (p *pcmPacer) Reset() {
	p.mu.Lock()
	p.buf = p.buf[:0]
	for drained := false; !drained; {
		select {
		case <-p.frames:
		default:
			drained = true
		}
	}
	stopped := p.stopped
	p.mu.Unlock()
	if !stopped {
		p.notify("audio_reset")
	}
}

// Close stops pacing. stopCh closes before taking mu so a writer blocked on a
// full queue lets go of the lock.
func (p *pcmPacer) Close() {
	p.closeOnce.Do(func() { close(p.stopCh) })
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

// push blocks until the frame is queued or the pacer stops. Callers hold mu.
func (p *pcmPacer) push(frame []byte) {
	select {
	case p.frames <- frame:
	case <-p.stopCh:
	}
}

func (p *pcmPacer) run() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-p.frames:
				if frame == nil {
					p.notify("audio_end")
					continue
				}
				_ = p.send(frame)
			default:
			}
		}
	}
}
