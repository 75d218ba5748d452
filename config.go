package relay

import (
	"fmt"
	"os"
	"time"

	"github.com/bt-bridge/voice-relay/shared"
	"github.com/goccy/go-yaml"
)

// Environment variable keys. Environment values override the config file.
const (
	envKeyAPIKey            string = "AGENT_API_KEY"
	envKeyAgentURL          string = "AGENT_URL"
	envKeyListenAddr        string = "LISTEN_ADDR"
	envKeySampleRate        string = "SAMPLE_RATE"
	envKeySystemPrompt      string = "SYSTEM_PROMPT"
	envKeyGreeting          string = "GREETING"
	envKeyFlushWindow       string = "FLUSH_WINDOW"
	envKeyKeepAliveInterval string = "KEEPALIVE_INTERVAL"
)

// Defaults applied when neither the config file nor the environment sets a value.
const (
	DefaultAgentURL          string        = "wss://agent.deepgram.com/v1/agent/converse"
	DefaultListenAddr        string        = ":8080"
	DefaultSampleRate        int           = 8000
	DefaultEncoding          string        = "linear16"
	DefaultLanguage          string        = "en"
	DefaultListenProvider    string        = "deepgram"
	DefaultListenModel       string        = "nova-3"
	DefaultThinkProvider     string        = "open_ai"
	DefaultThinkModel        string        = "gpt-4o-mini"
	DefaultSpeakProvider     string        = "deepgram"
	DefaultSpeakModel        string        = "aura-2-thalia-en"
	DefaultSystemPrompt      string        = "You are a friendly phone assistant. Keep answers short and conversational."
	DefaultGreeting          string        = "Hello! How can I help you today?"
	DefaultFlushWindow       time.Duration = 100 * time.Millisecond
	DefaultKeepAliveInterval time.Duration = 5 * time.Second
)

// SessionConfig is the immutable parameter snapshot sent to the upstream
// provider exactly once per session. Sessions copy it by value at start and
// never mutate it afterwards.
type SessionConfig struct {
	SampleRate     int    `yaml:"sample_rate"`
	Encoding       string `yaml:"encoding"`
	Language       string `yaml:"language"`
	ListenProvider string `yaml:"listen_provider"`
	ListenModel    string `yaml:"listen_model"`
	ThinkProvider  string `yaml:"think_provider"`
	ThinkModel     string `yaml:"think_model"`
	SpeakProvider  string `yaml:"speak_provider"`
	SpeakModel     string `yaml:"speak_model"`
	SystemPrompt   string `yaml:"system_prompt"`
	Greeting       string `yaml:"greeting"`
}

// Config holds all process-wide configuration. It is resolved once at startup
// and read-only afterwards.
type Config struct {
	APIKey            string        `yaml:"api_key"`
	AgentURL          string        `yaml:"agent_url"`
	ListenAddr        string        `yaml:"listen_addr"`
	FlushWindow       time.Duration `yaml:"flush_window"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	Session           SessionConfig `yaml:"session"`
}

// LoadConfig reads the optional YAML file at path (empty path skips the file),
// overlays environment variables, applies defaults and validates. A missing
// API key is a startup failure.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	if c.APIKey, err = shared.Getenv(shared.GetenvString, envKeyAPIKey, false, c.APIKey); err != nil {
		return err
	}
	if c.AgentURL, err = shared.Getenv(shared.GetenvString, envKeyAgentURL, false, c.AgentURL); err != nil {
		return err
	}
	if c.ListenAddr, err = shared.Getenv(shared.GetenvString, envKeyListenAddr, false, c.ListenAddr); err != nil {
		return err
	}
	if c.Session.SampleRate, err = shared.Getenv(shared.GetenvInt, envKeySampleRate, false, c.Session.SampleRate); err != nil {
		return err
	}
	if c.Session.SystemPrompt, err = shared.Getenv(shared.GetenvString, envKeySystemPrompt, false, c.Session.SystemPrompt); err != nil {
		return err
	}
	if c.Session.Greeting, err = shared.Getenv(shared.GetenvString, envKeyGreeting, false, c.Session.Greeting); err != nil {
		return err
	}
	if c.FlushWindow, err = shared.Getenv(shared.GetenvDuration, envKeyFlushWindow, false, c.FlushWindow); err != nil {
		return err
	}
	if c.KeepAliveInterval, err = shared.Getenv(shared.GetenvDuration, envKeyKeepAliveInterval, false, c.KeepAliveInterval); err != nil {
		return err
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.AgentURL == "" {
		c.AgentURL = DefaultAgentURL
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.FlushWindow <= 0 {
		c.FlushWindow = DefaultFlushWindow
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	s := &c.Session
	if s.SampleRate <= 0 {
		s.SampleRate = DefaultSampleRate
	}
	if s.Encoding == "" {
		s.Encoding = DefaultEncoding
	}
	if s.Language == "" {
		s.Language = DefaultLanguage
	}
	if s.ListenProvider == "" {
		s.ListenProvider = DefaultListenProvider
	}
	if s.ListenModel == "" {
		s.ListenModel = DefaultListenModel
	}
	if s.ThinkProvider == "" {
		s.ThinkProvider = DefaultThinkProvider
	}
	if s.ThinkModel == "" {
		s.ThinkModel = DefaultThinkModel
	}
	if s.SpeakProvider == "" {
		s.SpeakProvider = DefaultSpeakProvider
	}
	if s.SpeakModel == "" {
		s.SpeakModel = DefaultSpeakModel
	}
	if s.SystemPrompt == "" {
		s.SystemPrompt = DefaultSystemPrompt
	}
	if s.Greeting == "" {
		s.Greeting = DefaultGreeting
	}
}
