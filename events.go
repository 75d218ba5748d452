package relay

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
)

type AgentEventType string

// Agent event types emitted by the upstream speech-agent provider on its
// text channel. Audio arrives separately as binary frames.
const (
	AgentEventTypeWelcome             AgentEventType = "Welcome"
	AgentEventTypeSettingsApplied     AgentEventType = "SettingsApplied"
	AgentEventTypeConversationText    AgentEventType = "ConversationText"
	AgentEventTypeAgentThinking       AgentEventType = "AgentThinking"
	AgentEventTypeAgentAudioDone      AgentEventType = "AgentAudioDone"
	AgentEventTypeUserStartedSpeaking AgentEventType = "UserStartedSpeaking"
	AgentEventTypeError               AgentEventType = "Error"
)

type AgentEvent struct {
	Type  AgentEventType
	Param AgentEventParam
}

type AgentEventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

func (e *AgentEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}

func (e *AgentEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	return e.fromRaw(raw)
}

func (e *AgentEvent) MarshalYAML() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	resp["type"] = e.Type
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

func (e *AgentEvent) UnmarshalYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.UnmarshalWithOptions(data, &raw, yaml.UseJSONUnmarshaler()); err != nil {
		return err
	}
	return e.fromRaw(raw)
}

func (e *AgentEvent) fromRaw(raw map[string]any) error {
	v, ok := raw["type"].(string)
	if !ok {
		return errors.New("missing type")
	}
	e.Type = AgentEventType(v)
	delete(raw, "type")
	switch e.Type {
	case AgentEventTypeWelcome:
		e.Param = new(AgentEventParamWelcome)
	case AgentEventTypeSettingsApplied:
		e.Param = new(AgentEventParamSettingsApplied)
	case AgentEventTypeConversationText:
		e.Param = new(AgentEventParamConversationText)
	case AgentEventTypeAgentThinking:
		e.Param = new(AgentEventParamAgentThinking)
	case AgentEventTypeAgentAudioDone:
		e.Param = new(AgentEventParamAgentAudioDone)
	case AgentEventTypeUserStartedSpeaking:
		e.Param = new(AgentEventParamUserStartedSpeaking)
	case AgentEventTypeError:
		e.Param = new(AgentEventParamError)
	default:
		// Unknown event types are kept verbatim so callers can log them
		// instead of dropping the session.
		e.Param = &AgentEventParamUnknown{Raw: raw}
		return nil
	}
	if err := e.Param.New(raw); err != nil {
		return fmt.Errorf("decoding %s event: %w", e.Type, err)
	}
	return nil
}

// Welcome
type AgentEventParamWelcome struct {
	RequestId string
}

func (p *AgentEventParamWelcome) New(m map[string]any) error {
	if v, ok := m["request_id"].(string); ok {
		p.RequestId = v
	} else {
		p.RequestId = ""
	}
	return nil
}

func (p *AgentEventParamWelcome) Json() map[string]any {
	return map[string]any{
		"request_id": p.RequestId,
	}
}

// SettingsApplied
type AgentEventParamSettingsApplied struct{}

func (p *AgentEventParamSettingsApplied) New(m map[string]any) error {
	return nil
}

func (p *AgentEventParamSettingsApplied) Json() map[string]any {
	return map[string]any{}
}

// ConversationText
type AgentEventParamConversationText struct {
	Role    string
	Content string
	IsFinal bool
}

func (p *AgentEventParamConversationText) New(m map[string]any) error {
	if v, ok := m["role"].(string); ok {
		p.Role = v
	} else {
		return errors.New("missing role")
	}
	if v, ok := m["content"].(string); ok {
		p.Content = v
	} else {
		return errors.New("missing content")
	}
	if v, ok := m["is_final"].(bool); ok {
		p.IsFinal = v
	} else {
		// Providers that never stream partials omit the flag.
		p.IsFinal = true
	}
	return nil
}

func (p *AgentEventParamConversationText) Json() map[string]any {
	return map[string]any{
		"role":     p.Role,
		"content":  p.Content,
		"is_final": p.IsFinal,
	}
}

// AgentThinking
type AgentEventParamAgentThinking struct {
	Content string
}

func (p *AgentEventParamAgentThinking) New(m map[string]any) error {
	if v, ok := m["content"].(string); ok {
		p.Content = v
	} else {
		p.Content = ""
	}
	return nil
}

func (p *AgentEventParamAgentThinking) Json() map[string]any {
	return map[string]any{
		"content": p.Content,
	}
}

// AgentAudioDone
type AgentEventParamAgentAudioDone struct{}

func (p *AgentEventParamAgentAudioDone) New(m map[string]any) error {
	return nil
}

func (p *AgentEventParamAgentAudioDone) Json() map[string]any {
	return map[string]any{}
}

// UserStartedSpeaking
type AgentEventParamUserStartedSpeaking struct{}

func (p *AgentEventParamUserStartedSpeaking) New(m map[string]any) error {
	return nil
}

func (p *AgentEventParamUserStartedSpeaking) Json() map[string]any {
	return map[string]any{}
}

// Error
type AgentEventParamError struct {
	Description string
	Code        string
}

func (p *AgentEventParamError) New(m map[string]any) error {
	if v, ok := m["description"].(string); ok {
		p.Description = v
	} else if v, ok := m["message"].(string); ok {
		// Some provider versions use "message" instead.
		p.Description = v
	} else {
		return errors.New("missing description")
	}
	if v, ok := m["code"].(string); ok {
		p.Code = v
	} else {
		p.Code = ""
	}
	return nil
}

func (p *AgentEventParamError) Json() map[string]any {
	return map[string]any{
		"description": p.Description,
		"code":        p.Code,
	}
}

// AgentEventParamUnknown carries events this package does not model yet.
type AgentEventParamUnknown struct {
	Raw map[string]any
}

func (p *AgentEventParamUnknown) New(m map[string]any) error {
	p.Raw = m
	return nil
}

func (p *AgentEventParamUnknown) Json() map[string]any {
	return p.Raw
}
