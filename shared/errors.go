package shared

import "errors"

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrNoTransport           = errors.New("no client transport provided")
	ErrNoUpstream            = errors.New("no upstream provided")
	ErrClientNotInitialized  = errors.New("client not initialized")
	ErrNotConnected          = errors.New("upstream not connected")
	ErrAlreadyConnected      = errors.New("upstream already connected")
	ErrAlreadyConfigured     = errors.New("upstream already configured")
	ErrSessionAlreadyStarted = errors.New("session already started")
	ErrSessionClosed         = errors.New("session closed")
	ErrEHandlerAlreadySet    = errors.New("event handler already set")
	ErrAHandlerAlreadySet    = errors.New("audio handler already set")
	ErrCHandlerAlreadySet    = errors.New("close handler already set")
)
