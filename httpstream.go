package relay

import (
	"fmt"
	"io"
	"sync"

	"github.com/bt-bridge/voice-relay/shared"
	"go.uber.org/zap"
)

// rawStreamTransport adapts one raw HTTP exchange to the ClientTransport
// contract: flushed audio goes straight into the response body. There is no
// structured frame surface, so interruptions and errors are log-only, and
// transcripts are logged only once final.
type rawStreamTransport struct {
	logger shared.LoggerAdapter

	mu     sync.Mutex
	w      io.Writer
	flush  func() error
	closed bool
	done   chan struct{}
}

var _ ClientTransport = (*rawStreamTransport)(nil)

func newRawStreamTransport(logger shared.LoggerAdapter, w io.Writer, flush func() error) *rawStreamTransport {
	return &rawStreamTransport{
		logger: logger,
		w:      w,
		flush:  flush,
		done:   make(chan struct{}),
	}
}

// Done is closed when the session releases the transport, unblocking the
// request handler.
func (t *rawStreamTransport) Done() <-chan struct{} {
	return t.done
}

func (t *rawStreamTransport) WriteAudio(pcm []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return shared.ErrSessionClosed
	}
	if _, err := t.w.Write(pcm); err != nil {
		return fmt.Errorf("writing response body: %w", err)
	}
	if err := t.flush(); err != nil {
		return fmt.Errorf("flushing response body: %w", err)
	}
	return nil
}

func (t *rawStreamTransport) WriteTranscript(role, text string, isFinal bool) error {
	// The raw body carries audio only. Final transcripts are worth a log
	// line; partials are dropped outright.
	if isFinal {
		t.logger.Info(
			"transcript",
			zap.String("role", role),
			zap.String("text", text),
		)
	}
	return nil
}

func (t *rawStreamTransport) WriteInterruption() error {
	t.logger.Debug("user interrupted agent")
	return nil
}

func (t *rawStreamTransport) WriteError(message string) error {
	t.logger.Warn("upstream error not representable on raw stream", zap.String("message", message))
	return nil
}

func (t *rawStreamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	return nil
}
