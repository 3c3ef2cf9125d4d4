package correlation

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Unique(t *testing.T) {
	seen := make(map[ID]bool)
	for i := 0; i < 500; i++ {
		id := New()
		require.False(t, id.IsEmpty())
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestFromString(t *testing.T) {
	assert.Equal(t, ID("abc-123"), FromString("abc-123"))

	assert.False(t, FromString("").IsEmpty())
	assert.NotEqual(t, ID("has space"), FromString("has space"))
	assert.NotEqual(t, ID("line\nbreak"), FromString("line\nbreak"))

	long := strings.Repeat("a", maxInboundLength+1)
	assert.NotEqual(t, ID(long), FromString(long))
}

func TestContextRoundTrip(t *testing.T) {
	assert.True(t, FromContext(context.Background()).IsEmpty())

	ctx := WithID(context.Background(), "req-1")
	assert.Equal(t, ID("req-1"), FromContext(ctx))

	entry := Entry(ctx, logrus.New())
	assert.Equal(t, "req-1", entry.Data["correlation_id"])

	entry = Entry(context.Background(), nil)
	_, ok := entry.Data["correlation_id"]
	assert.False(t, ok)
}

func TestMiddleware_EchoesInboundID(t *testing.T) {
	var seen ID
	h := Middleware(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set(RequestIDHeader, "upstream-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, ID("upstream-7"), seen)
	assert.Equal(t, "upstream-7", rec.Header().Get(Header))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddleware_GeneratesAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	h := Middleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/twilio/voice/status", nil))

	id := rec.Header().Get(Header)
	require.NotEmpty(t, id)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, buf.String(), id)
	assert.Contains(t, buf.String(), `"status":403`)
	assert.Contains(t, buf.String(), "HTTP request rejected")
}

func TestMiddleware_AllowsWebsocketUpgrade(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(Middleware(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(FromContext(r.Context())))
	})))
	defer srv.Close()

	header := http.Header{}
	header.Set(Header, "ws-1")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.NoError(t, err)
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ws-1", string(msg))
}
