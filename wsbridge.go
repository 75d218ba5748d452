package relay

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/bt-bridge/voice-relay/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// Frame types of the framed client protocol. Clients send init and audio;
// the server sends audio, transcript, interruption and error.
const (
	FrameTypeInit         string = "init"
	FrameTypeAudio        string = "audio"
	FrameTypeTranscript   string = "transcript"
	FrameTypeInterruption string = "interruption"
	FrameTypeError        string = "error"
)

// Frame is the JSON envelope of the framed client protocol. Unused fields are
// omitted per frame type.
type Frame struct {
	Type    string `json:"type"`
	UUID    string `json:"uuid,omitempty"`
	Audio   string `json:"audio,omitempty"`
	Role    string `json:"role,omitempty"`
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`
	Message string `json:"message,omitempty"`
}

// wsTransport adapts one framed WebSocket connection to the ClientTransport
// contract. Every transcript is forwarded, partials included, with finality
// as metadata.
type wsTransport struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

var _ ClientTransport = (*wsTransport)(nil)

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) writeFrame(frame *Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return shared.ErrSessionClosed
	}
	data, err := sonic.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshaling %s frame: %w", frame.Type, err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s frame: %w", frame.Type, err)
	}
	return nil
}

func (t *wsTransport) WriteAudio(pcm []byte) error {
	return t.writeFrame(&Frame{
		Type:  FrameTypeAudio,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

func (t *wsTransport) WriteTranscript(role, text string, isFinal bool) error {
	return t.writeFrame(&Frame{
		Type:    FrameTypeTranscript,
		Role:    role,
		Text:    text,
		IsFinal: isFinal,
	})
}

func (t *wsTransport) WriteInterruption() error {
	return t.writeFrame(&Frame{Type: FrameTypeInterruption})
}

func (t *wsTransport) WriteError(message string) error {
	return t.writeFrame(&Frame{
		Type:    FrameTypeError,
		Message: message,
	})
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
