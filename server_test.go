package relay

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bt-bridge/voice-relay/shared"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg *Config, up *fakeUpstream) *httptest.Server {
	t.Helper()
	srv, err := NewServer(shared.NewNopLogger(), cfg)
	require.NoError(t, err)
	srv.newUpstream = func(ctx context.Context) (Upstream, error) {
		return up, nil
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts)+PathWS, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame *Frame) {
	t.Helper()
	data, err := sonic.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) *Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame := new(Frame)
	require.NoError(t, sonic.Unmarshal(data, frame))
	return frame
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(nil, testConfig())
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewServer(shared.NewNopLogger(), nil)
	assert.ErrorIs(t, err, shared.ErrNoConfig)
	_, err = NewServer(shared.NewNopLogger(), &Config{})
	assert.ErrorIs(t, err, shared.ErrNoAPIKey)
}

func TestWSInitThenAudio(t *testing.T) {
	up := &fakeUpstream{welcomeOnConnect: true}
	ts := newTestServer(t, testConfig(), up)
	conn := dialWS(t, ts)

	pcm := make([]byte, 320)
	for i := range pcm {
		pcm[i] = byte(i)
	}

	// Audio before init is ignored, not forwarded and not fatal.
	sendFrame(t, conn, &Frame{Type: FrameTypeAudio, Audio: base64.StdEncoding.EncodeToString(pcm)})
	sendFrame(t, conn, &Frame{Type: FrameTypeInit, UUID: "caller-1"})
	sendFrame(t, conn, &Frame{Type: FrameTypeAudio, Audio: base64.StdEncoding.EncodeToString(pcm)})

	require.Eventually(t, func() bool {
		return len(up.received()) > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, pcm, up.received(), "exactly one frame forwarded, decoded from base64")
}

func TestWSAudioRoundTrip(t *testing.T) {
	up := &fakeUpstream{welcomeOnConnect: true}
	ts := newTestServer(t, testConfig(), up)
	conn := dialWS(t, ts)

	sendFrame(t, conn, &Frame{Type: FrameTypeInit})
	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return up.connects == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Agent audio flushed on utterance end comes back as one base64 frame.
	up.ah([]byte{1, 2, 3, 4})
	up.eh(&AgentEvent{Type: AgentEventTypeAgentAudioDone, Param: &AgentEventParamAgentAudioDone{}})

	frame := readFrame(t, conn)
	assert.Equal(t, FrameTypeAudio, frame.Type)
	decoded, err := base64.StdEncoding.DecodeString(frame.Audio)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, decoded)
}

func TestWSTranscriptsAndInterruption(t *testing.T) {
	up := &fakeUpstream{welcomeOnConnect: true}
	ts := newTestServer(t, testConfig(), up)
	conn := dialWS(t, ts)

	sendFrame(t, conn, &Frame{Type: FrameTypeInit})
	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return up.connects == 1
	}, 2*time.Second, 5*time.Millisecond)

	up.eh(&AgentEvent{
		Type:  AgentEventTypeConversationText,
		Param: &AgentEventParamConversationText{Role: "agent", Content: "hi th", IsFinal: false},
	})
	up.eh(&AgentEvent{Type: AgentEventTypeUserStartedSpeaking, Param: &AgentEventParamUserStartedSpeaking{}})

	// The framed transport forwards partials, finality as metadata.
	frame := readFrame(t, conn)
	assert.Equal(t, FrameTypeTranscript, frame.Type)
	assert.Equal(t, "agent", frame.Role)
	assert.Equal(t, "hi th", frame.Text)
	assert.False(t, frame.IsFinal)

	frame = readFrame(t, conn)
	assert.Equal(t, FrameTypeInterruption, frame.Type)
}

func TestWSUpstreamErrorFrameThenClose(t *testing.T) {
	up := &fakeUpstream{welcomeOnConnect: true}
	ts := newTestServer(t, testConfig(), up)
	conn := dialWS(t, ts)

	sendFrame(t, conn, &Frame{Type: FrameTypeInit})
	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return up.connects == 1
	}, 2*time.Second, 5*time.Millisecond)

	up.emitError("rate limit")

	frame := readFrame(t, conn)
	assert.Equal(t, FrameTypeError, frame.Type)
	assert.Equal(t, "rate limit", frame.Message)

	// The connection closes right after the single error frame.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestWSIgnoresUnknownAndMalformedFrames(t *testing.T) {
	up := &fakeUpstream{welcomeOnConnect: true}
	ts := newTestServer(t, testConfig(), up)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	sendFrame(t, conn, &Frame{Type: "resize"})
	sendFrame(t, conn, &Frame{Type: FrameTypeInit})
	sendFrame(t, conn, &Frame{Type: FrameTypeAudio, Audio: "!!! not base64 !!!"})
	sendFrame(t, conn, &Frame{Type: FrameTypeAudio, Audio: base64.StdEncoding.EncodeToString([]byte{9})})

	// The session survives every bad frame above.
	require.Eventually(t, func() bool {
		return len(up.received()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{9}, up.received())
}

func TestWSClientDisconnectCleansUp(t *testing.T) {
	up := &fakeUpstream{welcomeOnConnect: true}
	ts := newTestServer(t, testConfig(), up)
	conn := dialWS(t, ts)

	sendFrame(t, conn, &Frame{Type: FrameTypeInit})
	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return up.connects == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		_, _, disconnects := up.counts()
		return disconnects == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStreamRejectsNonPost(t *testing.T) {
	up := &fakeUpstream{welcomeOnConnect: true}
	ts := newTestServer(t, testConfig(), up)

	resp, err := http.Get(ts.URL + PathStream)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStreamFullDuplex(t *testing.T) {
	up := &fakeUpstream{welcomeOnConnect: true}
	ts := newTestServer(t, testConfig(), up)

	pr, pw := io.Pipe()
	req, err := http.NewRequest(http.MethodPost, ts.URL+PathStream, pr)
	require.NoError(t, err)
	req.Header.Set("x-uuid", "caller-raw")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))

	// Client audio goes upstream verbatim across chunk boundaries.
	_, err = pw.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	_, err = pw.Write([]byte{4, 5})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(up.received()) == 5
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, up.received())

	// Agent audio flushed on utterance end streams into the response body.
	up.ah([]byte{10, 20, 30})
	up.eh(&AgentEvent{Type: AgentEventTypeAgentAudioDone, Param: &AgentEventParamAgentAudioDone{}})
	out := make([]byte, 3)
	_, err = io.ReadFull(resp.Body, out)
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 20, 30}, out)

	// Bytes still buffered when the client stops sending are flushed before
	// the response ends.
	up.ah(make([]byte, 40))
	require.NoError(t, pw.Close())
	rest, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, rest, 40)

	_, _, disconnects := up.counts()
	assert.Equal(t, 1, disconnects)
}

func TestStreamUpstreamClosedEndsResponse(t *testing.T) {
	up := &fakeUpstream{welcomeOnConnect: true}
	ts := newTestServer(t, testConfig(), up)

	pr, pw := io.Pipe()
	defer pw.Close()
	req, err := http.NewRequest(http.MethodPost, ts.URL+PathStream, pr)
	require.NoError(t, err)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return up.connects == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Provider hangs up; the relay tears down and the response terminates
	// even though the client never stopped sending.
	up.ch(io.ErrUnexpectedEOF)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.ReadAll(resp.Body)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("response did not terminate after upstream close")
	}
}
