package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bt-bridge/voice-relay/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type EventHandler func(event *AgentEvent)
type AudioHandler func(audio []byte)
type CloseHandler func(err error)

const dialTimeout = 10 * time.Second

// Settings is the configuration message sent to the upstream provider exactly
// once per session, immediately after the Welcome event.
type Settings struct {
	Type  string        `json:"type"`
	Audio SettingsAudio `json:"audio"`
	Agent SettingsAgent `json:"agent"`
}

type SettingsAudio struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type SettingsAgent struct {
	Language string        `json:"language"`
	Listen   SettingsModel `json:"listen"`
	Think    SettingsThink `json:"think"`
	Speak    SettingsModel `json:"speak"`
	Greeting string        `json:"greeting,omitempty"`
}

type SettingsModel struct {
	Provider ModelProvider `json:"provider"`
}

type SettingsThink struct {
	Provider ModelProvider `json:"provider"`
	Prompt   string        `json:"prompt,omitempty"`
}

type ModelProvider struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

func newSettings(cfg *SessionConfig) *Settings {
	format := AudioFormat{
		Encoding:   cfg.Encoding,
		SampleRate: cfg.SampleRate,
	}
	return &Settings{
		Type: "Settings",
		Audio: SettingsAudio{
			Input:  format,
			Output: format,
		},
		Agent: SettingsAgent{
			Language: cfg.Language,
			Listen: SettingsModel{
				Provider: ModelProvider{Type: cfg.ListenProvider, Model: cfg.ListenModel},
			},
			Think: SettingsThink{
				Provider: ModelProvider{Type: cfg.ThinkProvider, Model: cfg.ThinkModel},
				Prompt:   cfg.SystemPrompt,
			},
			Speak: SettingsModel{
				Provider: ModelProvider{Type: cfg.SpeakProvider, Model: cfg.SpeakModel},
			},
			Greeting: cfg.Greeting,
		},
	}
}

// Client is one WebSocket connection to the upstream speech-agent provider.
// Handlers must be registered before Connect; the client never reconnects on
// its own.
type Client struct {
	logger   shared.LoggerAdapter
	agentUrl *url.URL
	apiKey   string

	mu         sync.Mutex
	conn       *websocket.Conn
	running    bool
	configured bool

	eh EventHandler
	ah AudioHandler
	ch CloseHandler

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewClient(ctx context.Context, logger shared.LoggerAdapter, apiKey, agentUrl string) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if apiKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	agentUrl_, err := url.Parse(agentUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing agent URL: %w", err)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	return &Client{
		logger:   logger,
		agentUrl: agentUrl_,
		apiKey:   apiKey,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (c *Client) respectCtx() error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	return nil
}

func (c *Client) RegisterEventHandler(handler EventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrAlreadyConnected
	}
	if c.eh != nil {
		return shared.ErrEHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.eh = handler
	return nil
}

func (c *Client) RegisterAudioHandler(handler AudioHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrAlreadyConnected
	}
	if c.ah != nil {
		return shared.ErrAHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.ah = handler
	return nil
}

func (c *Client) RegisterCloseHandler(handler CloseHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrAlreadyConnected
	}
	if c.ch != nil {
		return shared.ErrCHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.ch = handler
	return nil
}

// Connect dials the provider and starts the read loop. The Welcome event,
// not the dial itself, signals readiness to send audio.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.respectCtx(); err != nil {
		return fmt.Errorf("respecting client context: %w", err)
	}
	if c.running {
		return shared.ErrAlreadyConnected
	}
	if c.eh == nil {
		return shared.ErrClientNotInitialized
	}
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	header := http.Header{}
	header.Set("Authorization", "Token "+c.apiKey)
	conn, resp, err := dialer.DialContext(ctx, c.agentUrl.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialing agent (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dialing agent: %w", err)
	}
	c.conn = conn
	c.running = true
	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.cancel(fmt.Errorf("agent connection read: %w", err))
			if c.ch != nil {
				c.ch(err)
			}
			return
		}
		switch messageType {
		case websocket.TextMessage:
			event := new(AgentEvent)
			if err := event.UnmarshalJSON(data); err != nil {
				c.logger.Error(
					"can not unmarshal agent event",
					err,
					zap.ByteString("data", data),
				)
				continue
			}
			c.eh(event)
		case websocket.BinaryMessage:
			if c.ah != nil {
				c.ah(data)
			}
		default:
			c.logger.Warn(
				"received unexpected message type from agent",
				zap.Int("message_type", messageType),
			)
		}
	}
}

// Configure sends the settings message. It is an error to call it twice.
func (c *Client) Configure(cfg *SessionConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg == nil {
		return shared.ErrNoConfig
	}
	if c.conn == nil {
		return shared.ErrNotConnected
	}
	if c.configured {
		return shared.ErrAlreadyConfigured
	}
	data, err := sonic.Marshal(newSettings(cfg))
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("sending settings: %w", err)
	}
	c.configured = true
	return nil
}

// Send forwards raw PCM bytes to the provider. Fire-and-forget.
func (c *Client) Send(audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return shared.ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("sending audio: %w", err)
	}
	return nil
}

func (c *Client) KeepAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return shared.ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
		return fmt.Errorf("sending keepalive: %w", err)
	}
	return nil
}

// Disconnect closes the provider connection. Safe to call multiple times.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("closing agent connection failed", err)
		}
		c.conn = nil
	}
	if c.cancel != nil {
		c.cancel(errors.New("client disconnected"))
	}
	c.running = false
	return nil
}

var _ Upstream = (*Client)(nil)
