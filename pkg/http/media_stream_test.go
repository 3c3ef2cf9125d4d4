package http

import (
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"callcoach-server/pkg/config"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialMedia(t *testing.T, env *testEnv, callSid string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(env.wsURL("/ws/twilio/media/"+callSid), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendStart(t *testing.T, ws *websocket.Conn, callSid string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"connected","protocol":"Call","version":"1.0.0"}`)))
	start := fmt.Sprintf(`{"event":"start","sequenceNumber":"1","streamSid":"MZ-%[1]s","start":{"streamSid":"MZ-%[1]s","accountSid":"AC1","callSid":"%[1]s","tracks":["inbound","outbound"],"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`, callSid)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(start)))
}

// loudPayload is 20 ms of near full-scale mu-law audio
func loudPayload() string {
	payload := make([]byte, 160)
	for i := range payload {
		if i%2 == 0 {
			payload[i] = 0x80
		} else {
			payload[i] = 0x00
		}
	}
	return base64.StdEncoding.EncodeToString(payload)
}

func sendMedia(t *testing.T, ws *websocket.Conn, track string, timestampMS int) {
	t.Helper()
	frame := fmt.Sprintf(`{"event":"media","media":{"track":"%s","chunk":"1","timestamp":"%d","payload":"%s"}}`,
		track, timestampMS, loudPayload())
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func TestMediaStream_StartMediaStop(t *testing.T) {
	env := newTestEnv(t, config.TwilioConfig{})
	ws := dialMedia(t, env, "CA-media")

	sendStart(t, ws, "CA-media")
	require.Eventually(t, func() bool {
		_, ok := env.registry.LookupCall("CA-media")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	h, _ := env.registry.LookupCall("CA-media")
	sess, err := env.registry.Resolve(h)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		sendMedia(t, ws, "outbound", i*20)
	}
	assert.Eventually(t, func() bool {
		return sess.Snapshot().AgentVolumeDB > -10
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop","stop":{"accountSid":"AC1","callSid":"CA-media"}}`)))
	assert.Eventually(t, func() bool { return env.registry.ActiveCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "stream_stopped", sess.EndReason())
}

func TestMediaStream_CustomerTrack(t *testing.T) {
	env := newTestEnv(t, config.TwilioConfig{})
	ws := dialMedia(t, env, "CA-customer")
	sendStart(t, ws, "CA-customer")

	require.Eventually(t, func() bool {
		_, ok := env.registry.LookupCall("CA-customer")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	h, _ := env.registry.LookupCall("CA-customer")
	sess, err := env.registry.Resolve(h)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		sendMedia(t, ws, "inbound", i*20)
	}
	assert.Eventually(t, func() bool {
		snap := sess.Snapshot()
		return snap.CustomerVolumeDB > -10 && snap.AgentVolumeDB < -40
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMediaStream_SocketCloseEndsSession(t *testing.T) {
	env := newTestEnv(t, config.TwilioConfig{})
	ws := dialMedia(t, env, "CA-close")
	sendStart(t, ws, "CA-close")

	require.Eventually(t, func() bool { return env.registry.ActiveCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	h, _ := env.registry.LookupCall("CA-close")

	ws.Close()
	assert.Eventually(t, func() bool { return env.registry.ActiveCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	if sess, err := env.registry.Get(h.SessionID); err == nil {
		assert.Equal(t, "stream_closed", sess.EndReason())
	}
}

func TestMediaStream_DuplicateStartRejected(t *testing.T) {
	env := newTestEnv(t, config.TwilioConfig{})

	_, err := env.registry.Create("CA-dup")
	require.NoError(t, err)

	ws := dialMedia(t, env, "CA-dup")
	sendStart(t, ws, "CA-dup")

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "DUPLICATE_SESSION", closeErr.Text)

	// The existing session is untouched
	assert.Equal(t, 1, env.registry.ActiveCount())
}

func TestMediaStream_IgnoresMediaBeforeStartAndGarbage(t *testing.T) {
	env := newTestEnv(t, config.TwilioConfig{})
	ws := dialMedia(t, env, "CA-early")

	sendMedia(t, ws, "outbound", 0)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"mark","mark":{"name":"m1"}}`)))

	sendStart(t, ws, "CA-early")
	assert.Eventually(t, func() bool { return env.registry.ActiveCount() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestMediaStream_UnsupportedEncoding(t *testing.T) {
	env := newTestEnv(t, config.TwilioConfig{})
	ws := dialMedia(t, env, "CA-opus")

	start := `{"event":"start","start":{"streamSid":"MZ1","callSid":"CA-opus","tracks":["inbound"],"mediaFormat":{"encoding":"audio/opus","sampleRate":48000,"channels":1}}}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(start)))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseUnsupportedData, closeErr.Code)
	assert.Equal(t, 0, env.registry.Len())
}
