package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bt-bridge/voice-relay/shared"
	"github.com/bt-bridge/voice-relay/tools"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// PathStream serves the raw-stream transport: request body in, response
	// body out, raw little-endian PCM both ways.
	PathStream = "/stream"
	// PathWS serves the framed transport.
	PathWS = "/ws"

	// Correlation header on raw-stream requests. Logged only.
	headerUUID = "x-uuid"

	// Read granularity for the raw-stream request body.
	readChunkDuration = 20 * time.Millisecond
)

// Server hosts both client transports on one listener. Each accepted
// connection gets its own Session and its own upstream connection; the server
// keeps no session registry.
type Server struct {
	logger      shared.LoggerAdapter
	cfg         *Config
	upgrader    websocket.Upgrader
	newUpstream func(ctx context.Context) (Upstream, error)
	httpSrv     *http.Server
}

func NewServer(logger shared.LoggerAdapter, cfg *Config) (*Server, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	s := &Server{
		logger: logger,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.newUpstream = func(ctx context.Context) (Upstream, error) {
		return NewClient(ctx, logger, cfg.APIKey, cfg.AgentURL)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(PathStream, s.handleStream)
	mux.HandleFunc(PathWS, s.handleWS)
	s.httpSrv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return s, nil
}

// Handler exposes the route table, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", zap.String("addr", s.cfg.ListenAddr))
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// startSession builds and starts one session for a transport. Returns nil
// after logging when anything fails; callers surface the failure in their own
// transport-appropriate way.
func (s *Server) startSession(ctx context.Context, id string, transport ClientTransport) (*Session, error) {
	upstream, err := s.newUpstream(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := NewSession(s.logger, id, upstream, transport, s.cfg)
	if err != nil {
		return nil, err
	}
	if reg, ok := upstream.(HandlerRegistrar); ok {
		if err := sess.Bind(reg); err != nil {
			return nil, err
		}
	}
	if err := sess.Start(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// handleStream runs the raw-stream transport. The exchange is full duplex:
// the request body is consumed while flushed agent audio is written to the
// response.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	logger := s.logger.With(zap.String("transport", "raw-stream"))
	if id := r.Header.Get(headerUUID); id != "" {
		logger = logger.With(zap.String("uuid", id))
	}
	logger.Info("raw stream opened")

	rc := http.NewResponseController(w)
	if err := rc.EnableFullDuplex(); err != nil {
		logger.Error("enabling full duplex", err)
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.Error("flushing response headers", err)
		return
	}

	transport := newRawStreamTransport(logger, w, rc.Flush)
	sess, err := s.startSession(r.Context(), r.Header.Get(headerUUID), transport)
	if err != nil {
		logger.Error("starting session", err)
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		chunk := make([]byte, tools.FrameBytes(readChunkDuration, s.cfg.Session.SampleRate, 1))
		for {
			n, err := r.Body.Read(chunk)
			if n > 0 {
				audio := make([]byte, n)
				copy(audio, chunk[:n])
				sess.ForwardClientAudio(audio)
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					logger.Warn("reading request body", zap.Error(err))
				}
				return
			}
		}
	}()

	select {
	case <-readDone:
		// Client finished sending or dropped. Cleanup flushes whatever the
		// upstream already produced before the response closes.
	case <-transport.Done():
		// Upstream side ended the session.
	}
	sess.Cleanup()
	logger.Info("raw stream closed")
}

// handleWS runs the framed transport. The init frame establishes the upstream
// connection; audio frames are decoded and forwarded; unknown frame types are
// logged and ignored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrading websocket", err)
		return
	}
	logger := s.logger.With(zap.String("transport", "framed"))
	logger.Info("websocket opened")

	transport := newWSTransport(conn)
	var sess *Session
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("websocket read", zap.Error(err))
			}
			break
		}
		if messageType != websocket.TextMessage {
			logger.Warn("ignoring non-text frame", zap.Int("message_type", messageType))
			continue
		}
		frame := new(Frame)
		if err := sonic.Unmarshal(data, frame); err != nil {
			logger.Warn("ignoring malformed frame", zap.Error(err))
			continue
		}
		switch frame.Type {
		case FrameTypeInit:
			if sess != nil {
				logger.Warn("ignoring duplicate init frame")
				continue
			}
			sess, err = s.startSession(r.Context(), frame.UUID, transport)
			if err != nil {
				logger.Error("starting session", err)
				// The transport may already be closed by session cleanup, so
				// write the error frame on the connection directly.
				payload, _ := sonic.Marshal(&Frame{Type: FrameTypeError, Message: "failed to start session"})
				if werr := conn.WriteMessage(websocket.TextMessage, payload); werr != nil {
					logger.Warn("writing error frame", zap.Error(werr))
				}
				sess = nil
				goto done
			}
			logger = logger.With(zap.String("session_id", sess.ID()))
		case FrameTypeAudio:
			if sess == nil {
				logger.Warn("ignoring audio frame before init")
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(frame.Audio)
			if err != nil {
				logger.Warn("ignoring audio frame with invalid base64", zap.Error(err))
				continue
			}
			sess.ForwardClientAudio(pcm)
		default:
			logger.Warn("ignoring unknown frame type", zap.String("type", frame.Type))
		}
	}

done:
	if sess != nil {
		sess.Cleanup()
	} else {
		if err := transport.Close(); err != nil {
			logger.Warn("closing websocket", zap.Error(err))
		}
	}
	logger.Info("websocket closed")
}
