package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/voice-relay/shared"
	"github.com/bt-bridge/voice-relay/tools"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type SessionState int

const (
	SessionStateCreated SessionState = iota
	SessionStateConnecting
	SessionStateReady
	SessionStateStreaming
	SessionStateClosing
	SessionStateClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionStateCreated:
		return "created"
	case SessionStateConnecting:
		return "connecting"
	case SessionStateReady:
		return "ready"
	case SessionStateStreaming:
		return "streaming"
	case SessionStateClosing:
		return "closing"
	case SessionStateClosed:
		return "closed"
	}
	return "unknown"
}

// Upstream is the narrow contract the relay core needs from the provider
// connection. *Client satisfies it; tests use a fake.
type Upstream interface {
	Connect(ctx context.Context) error
	Configure(cfg *SessionConfig) error
	Send(audio []byte) error
	KeepAlive() error
	Disconnect() error
}

// ClientTransport is the client-facing side of one session. Transports that
// cannot express a frame kind implement the method as a no-op.
type ClientTransport interface {
	WriteAudio(pcm []byte) error
	WriteTranscript(role, text string, isFinal bool) error
	WriteInterruption() error
	WriteError(message string) error
	Close() error
}

// Session bridges exactly one client transport with exactly one upstream
// connection. All audio flowing upstream is forwarded verbatim; audio flowing
// downstream is coalesced into flush windows so the client sees paced writes
// instead of per-packet dribble.
//
// A session is terminal after Cleanup; every entry point is a no-op once the
// cleaned flag is set.
type Session struct {
	logger    shared.LoggerAdapter
	id        string
	upstream  Upstream
	transport ClientTransport
	cfg       SessionConfig

	flushWindow    time.Duration
	keepAliveEvery time.Duration
	now            func() time.Time

	mu            sync.Mutex
	state         SessionState
	buf           []byte
	windowStart   time.Time
	firstChunk    bool
	flushTimer    *time.Timer
	keepAliveStop chan struct{}
	cleaned       bool
}

// NewSession builds a session around an already-constructed upstream and
// transport. An empty id gets a generated one; the id is used for log
// correlation only.
func NewSession(
	logger shared.LoggerAdapter,
	id string,
	upstream Upstream,
	transport ClientTransport,
	cfg *Config,
) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if upstream == nil {
		return nil, shared.ErrNoUpstream
	}
	if transport == nil {
		return nil, shared.ErrNoTransport
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if id == "" {
		id = uuid.NewString()
	}
	flushWindow := cfg.FlushWindow
	if flushWindow <= 0 {
		flushWindow = DefaultFlushWindow
	}
	keepAliveEvery := cfg.KeepAliveInterval
	if keepAliveEvery <= 0 {
		keepAliveEvery = DefaultKeepAliveInterval
	}
	return &Session{
		logger:         logger.With(zap.String("session_id", id)),
		id:             id,
		upstream:       upstream,
		transport:      transport,
		cfg:            cfg.Session,
		flushWindow:    flushWindow,
		keepAliveEvery: keepAliveEvery,
		now:            time.Now,
		state:          SessionStateCreated,
		firstChunk:     true,
	}, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HandlerRegistrar is satisfied by *Client and by test fakes that want the
// session's dispatcher wired to them.
type HandlerRegistrar interface {
	RegisterEventHandler(EventHandler) error
	RegisterAudioHandler(AudioHandler) error
	RegisterCloseHandler(CloseHandler) error
}

// Bind registers the session's dispatcher on an upstream connection. Must run
// before Start.
func (s *Session) Bind(reg HandlerRegistrar) error {
	if err := reg.RegisterEventHandler(s.HandleAgentEvent); err != nil {
		return err
	}
	if err := reg.RegisterAudioHandler(s.OnUpstreamAudio); err != nil {
		return err
	}
	return reg.RegisterCloseHandler(func(err error) {
		s.OnUpstreamClosed()
	})
}

// Start opens the upstream connection. Readiness, configuration and audio
// flow all happen asynchronously through the event handlers.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return shared.ErrSessionClosed
	}
	if s.state != SessionStateCreated {
		s.mu.Unlock()
		return shared.ErrSessionAlreadyStarted
	}
	s.state = SessionStateConnecting
	s.mu.Unlock()

	if err := s.upstream.Connect(ctx); err != nil {
		s.logger.Error("connecting upstream", err)
		s.Cleanup()
		return fmt.Errorf("connecting upstream: %w", err)
	}
	return nil
}

// HandleAgentEvent routes one upstream event to the matching handler.
func (s *Session) HandleAgentEvent(event *AgentEvent) {
	switch event.Type {
	case AgentEventTypeWelcome:
		s.OnUpstreamReady()
	case AgentEventTypeSettingsApplied:
		s.logger.Debug("upstream acknowledged settings")
	case AgentEventTypeConversationText:
		p, ok := event.Param.(*AgentEventParamConversationText)
		if !ok {
			s.logEventParamMismatch(event)
			return
		}
		s.OnTranscript(p.Role, p.Content, p.IsFinal)
	case AgentEventTypeAgentThinking:
		s.logger.Debug("agent thinking")
	case AgentEventTypeAgentAudioDone:
		s.OnUpstreamUtteranceDone()
	case AgentEventTypeUserStartedSpeaking:
		s.OnUserInterrupted()
	case AgentEventTypeError:
		p, ok := event.Param.(*AgentEventParamError)
		if !ok {
			s.logEventParamMismatch(event)
			return
		}
		s.OnUpstreamError(errors.New(p.Description))
	default:
		s.logger.Warn(
			"unhandled agent event",
			zap.String("type", string(event.Type)),
		)
	}
}

func (s *Session) logEventParamMismatch(event *AgentEvent) {
	s.logger.Warn(
		"agent event param does not match its type",
		zap.String("type", string(event.Type)),
	)
}

// OnUpstreamReady sends the configuration snapshot exactly once and starts
// the keep-alive loop.
func (s *Session) OnUpstreamReady() {
	s.mu.Lock()
	if s.cleaned || s.state >= SessionStateClosing {
		s.mu.Unlock()
		return
	}
	if s.state >= SessionStateReady {
		s.logger.Warn("upstream signaled ready more than once")
		s.mu.Unlock()
		return
	}
	s.state = SessionStateReady
	s.mu.Unlock()

	if err := s.upstream.Configure(&s.cfg); err != nil {
		s.logger.Error("configuring upstream", err)
		s.Cleanup()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned {
		return
	}
	stop := make(chan struct{})
	s.keepAliveStop = stop
	go s.keepAliveLoop(stop)
	s.state = SessionStateStreaming
	s.logger.Info("session streaming")
}

func (s *Session) keepAliveLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.keepAliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.upstream.KeepAlive(); err != nil {
				s.logger.Error("sending keepalive", err)
				s.Cleanup()
				return
			}
		}
	}
}

// ForwardClientAudio passes client audio upstream unmodified. Frames arriving
// before the upstream handshake completed are dropped, never queued.
func (s *Session) ForwardClientAudio(audio []byte) {
	s.mu.Lock()
	if s.cleaned || s.state != SessionStateStreaming {
		s.logger.Debug(
			"dropping client audio",
			zap.String("state", s.state.String()),
			zap.Int("bytes", len(audio)),
		)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.upstream.Send(audio); err != nil {
		s.logger.Error("forwarding client audio", err)
		s.Cleanup()
	}
}

// OnUpstreamAudio appends agent audio to the output buffer and flushes it once
// a full window has elapsed since the first unflushed byte.
func (s *Session) OnUpstreamAudio(audio []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned || len(audio) == 0 {
		return
	}
	if s.firstChunk {
		s.firstChunk = false
		s.windowStart = s.now()
		s.armFlushTimerLocked()
	}
	s.buf = append(s.buf, audio...)
	if s.now().Sub(s.windowStart) >= s.flushWindow {
		s.flushLocked()
	}
}

// armFlushTimerLocked schedules a flush at window expiry so short bursts are
// not stuck waiting for the next chunk to push them out.
func (s *Session) armFlushTimerLocked() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.flushTimer = time.AfterFunc(s.flushWindow, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.cleaned {
			return
		}
		s.flushLocked()
	})
}

// flushLocked writes the whole buffer to the client transport in upstream
// order and resets the window.
func (s *Session) flushLocked() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.firstChunk = true
	if len(s.buf) == 0 {
		return
	}
	data := s.buf
	s.buf = nil
	s.windowStart = s.now()
	s.logger.Debug(
		"flushing agent audio",
		zap.Int("bytes", len(data)),
		zap.Duration("duration", tools.FrameDuration(len(data), s.cfg.SampleRate, 1)),
	)
	if err := s.transport.WriteAudio(data); err != nil {
		s.logger.Error("writing audio to client", err)
		s.cleanupLocked()
	}
}

// OnUpstreamUtteranceDone flushes whatever is pending regardless of elapsed
// time and resets buffering state for the next utterance.
func (s *Session) OnUpstreamUtteranceDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned {
		return
	}
	s.flushLocked()
	s.windowStart = time.Time{}
}

// OnTranscript forwards a transcript event to the transport. Finality policy
// (forward partials or not) is the transport's decision.
func (s *Session) OnTranscript(role, text string, isFinal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned {
		return
	}
	if err := s.transport.WriteTranscript(role, text, isFinal); err != nil {
		s.logger.Error("writing transcript to client", err)
		s.cleanupLocked()
	}
}

// OnUserInterrupted signals barge-in to the client immediately, bypassing the
// output buffer.
func (s *Session) OnUserInterrupted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned {
		return
	}
	if err := s.transport.WriteInterruption(); err != nil {
		s.logger.Error("writing interruption to client", err)
		s.cleanupLocked()
	}
}

// OnUpstreamError surfaces the error to the client and tears the session down.
// Terminal; never retried.
func (s *Session) OnUpstreamError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned {
		return
	}
	s.logger.Error("upstream error", err)
	if werr := s.transport.WriteError(err.Error()); werr != nil {
		s.logger.Warn("writing error to client failed", zap.Error(werr))
	}
	s.cleanupLocked()
}

// OnUpstreamClosed handles the provider hanging up. Terminal.
func (s *Session) OnUpstreamClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned {
		return
	}
	s.logger.Info("upstream connection closed")
	s.cleanupLocked()
}

// Cleanup tears the session down. Idempotent: every close/error path on either
// side funnels here and side effects run at most once.
func (s *Session) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked()
}

func (s *Session) cleanupLocked() {
	if s.cleaned {
		return
	}
	s.cleaned = true
	s.state = SessionStateClosing

	if s.keepAliveStop != nil {
		close(s.keepAliveStop)
		s.keepAliveStop = nil
	}
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if len(s.buf) > 0 {
		if err := s.transport.WriteAudio(s.buf); err != nil {
			s.logger.Warn("flushing pending audio during cleanup failed", zap.Error(err))
		}
		s.buf = nil
	}
	if err := s.transport.Close(); err != nil {
		s.logger.Warn("closing client transport failed", zap.Error(err))
	}
	if err := s.upstream.Disconnect(); err != nil {
		s.logger.Warn("disconnecting upstream failed", zap.Error(err))
	}
	s.state = SessionStateClosed
	s.logger.Info("session closed")
}
