package agent

import (
	"context"
)

// Dispatcher performs one chat exchange and returns the assistant reply.
type Dispatcher interface {
	Send(ctx context.Context, text string) (string, error)
}

// Capture is a speech-to-text facility. Start yields at most one final transcript
// on the returned channel, which is closed when the capture session ends.
type Capture interface {
	Available() bool
	Start(ctx context.Context) (<-chan string, error)
	Stop() error
}

// Speaker reads text aloud. Speak pre-empts whatever is playing.
type Speaker interface {
	Speak(text string)
	Stop()
}
