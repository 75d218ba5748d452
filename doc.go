// # Voice Relay
//
// This repository bridges real-time phone or browser audio to a hosted speech-agent provider. Each inbound connection gets one relay session that owns one upstream provider connection, paces agent audio back to the caller, and tears everything down on the first terminal event from either side. Two client transports are served: a raw HTTP streaming body and a JSON-framed WebSocket protocol.
package relay
