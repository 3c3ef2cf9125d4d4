package http

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/config"
	"callcoach-server/pkg/session"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type viewerFrame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	CallID    string          `json:"call_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func dialViewer(t *testing.T, env *testEnv, sessionID string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(env.wsURL("/ws/ui/"+sessionID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	welcome := readViewerFrame(t, ws)
	require.Equal(t, "connected", welcome.Type)
	require.Equal(t, sessionID, welcome.SessionID)
	require.Eventually(t, func() bool { return env.hub.GetConnectedClients() > 0 }, time.Second, 5*time.Millisecond)
	return ws
}

func readViewerFrame(t *testing.T, ws *websocket.Conn) viewerFrame {
	t.Helper()
	var frame viewerFrame
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func TestViewerHub_Connect(t *testing.T) {
	env := newTestEnv(t, config.TwilioConfig{})

	first := dialViewer(t, env, "sess-1")
	dialViewer(t, env, "sess-1")
	assert.Equal(t, 2, env.hub.GetConnectedClients())

	first.Close()
	assert.Eventually(t, func() bool { return env.hub.GetConnectedClients() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestViewerHub_PublishRoutesBySession(t *testing.T) {
	env := newTestEnv(t, config.TwilioConfig{})
	ws := dialViewer(t, env, "sess-a")

	ctx := context.Background()
	other := session.Event{Type: session.EventStreamStarted, SessionID: "sess-b", Timestamp: time.Now()}
	require.NoError(t, env.hub.Publish(ctx, other))

	suggestion := coaching.Suggestion{
		Type:      coaching.SpeakingTooLoud,
		Message:   coaching.MessageFor(coaching.SpeakingTooLoud),
		Severity:  coaching.SeverityHigh,
		Timestamp: time.Now(),
	}
	event := session.Event{
		Type:       session.EventSuggestion,
		SessionID:  "sess-a",
		CallID:     "CA-a",
		Timestamp:  suggestion.Timestamp,
		Suggestion: &suggestion,
	}
	require.NoError(t, env.hub.Publish(ctx, event))

	frame := readViewerFrame(t, ws)
	assert.Equal(t, "suggestion", frame.Type)
	assert.Equal(t, "sess-a", frame.SessionID)
	assert.Equal(t, "CA-a", frame.CallID)

	var got coaching.Suggestion
	require.NoError(t, json.Unmarshal(frame.Data, &got))
	assert.Equal(t, coaching.SpeakingTooLoud, got.Type)
	assert.Equal(t, coaching.SeverityHigh, got.Severity)
}

func TestViewerHub_Ping(t *testing.T) {
	env := newTestEnv(t, config.TwilioConfig{})
	ws := dialViewer(t, env, "sess-ping")

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	frame := readViewerFrame(t, ws)
	assert.Equal(t, "pong", frame.Type)
}

func TestViewerHub_ReceivesCallEnded(t *testing.T) {
	env := newTestEnv(t, config.TwilioConfig{})

	h, err := env.registry.Create("CA-viewer")
	require.NoError(t, err)
	ws := dialViewer(t, env, h.SessionID)

	env.registry.Terminate(h.SessionID, "test_end")

	frame := readViewerFrame(t, ws)
	if frame.Type == "stream_started" {
		frame = readViewerFrame(t, ws)
	}
	assert.Equal(t, "call_ended", frame.Type)
	assert.Equal(t, "CA-viewer", frame.CallID)

	var data struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(frame.Data, &data))
	assert.Equal(t, "test_end", data.Reason)
}

func TestViewerHub_PublishAfterStop(t *testing.T) {
	hub := NewViewerHub(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	require.Eventually(t, hub.IsRunning, time.Second, 5*time.Millisecond)

	cancel()
	<-stopped
	assert.False(t, hub.IsRunning())

	// Fill the queue so only the stopped hub can answer
	for i := 0; i < cap(hub.broadcast); i++ {
		hub.broadcast <- &ViewerMessage{}
	}
	err := hub.Publish(context.Background(), session.Event{Type: session.EventMetrics, SessionID: "x"})
	assert.Error(t, err)
}

func TestViewerHub_PublishHonoursContext(t *testing.T) {
	hub := NewViewerHub(quietLogger())
	for i := 0; i < cap(hub.broadcast); i++ {
		hub.broadcast <- &ViewerMessage{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := hub.Publish(ctx, session.Event{Type: session.EventMetrics, SessionID: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
