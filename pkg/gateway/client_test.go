package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sessionchat/internal/errors"
	"sessionchat/internal/models"
)

type relay struct {
	t        *testing.T
	mu       sync.Mutex
	conns    []*websocket.Conn
	received chan map[string]interface{}
	auth     chan string
}

func newRelay(t *testing.T) (*relay, *httptest.Server) {
	r := &relay{t: t, received: make(chan map[string]interface{}, 16), auth: make(chan string, 4)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.auth <- req.Header.Get("Authorization")
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns = append(r.conns, conn)
		r.mu.Unlock()

		ctx := req.Context()
		for {
			var msg map[string]interface{}
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			r.received <- msg
		}
	}))
	t.Cleanup(srv.Close)
	return r, srv
}

func (r *relay) push(ctx context.Context, v interface{}) error {
	r.mu.Lock()
	conn := r.conns[len(r.conns)-1]
	r.mu.Unlock()
	return wsjson.Write(ctx, conn, v)
}

func (r *relay) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		_ = c.Close(websocket.StatusGoingAway, "bye")
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_ReceivesAndSends(t *testing.T) {
	r, srv := newRelay(t)
	c := New(models.GatewayConfig{URL: wsURL(srv), AuthToken: "tok", ReconnectInitialMs: 10}, nil, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Equal(t, "Bearer tok", <-r.auth)
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.push(ctx, map[string]interface{}{
		"id":      "e1",
		"kind":    "message.acked",
		"payload": map[string]string{"messageId": "m1"},
	}))
	require.NoError(t, r.push(ctx, map[string]interface{}{"noKind": true}))
	require.NoError(t, r.push(ctx, map[string]interface{}{"id": "e2", "kind": "presence.update"}))

	ev := <-c.Events()
	assert.Equal(t, "e1", ev.ID)
	assert.Equal(t, models.EventMessageAcked, ev.Kind)
	ev = <-c.Events()
	assert.Equal(t, "e2", ev.ID, "frames without a kind are dropped")

	out := models.NewOutbound(models.OutboundPresencePing, time.UnixMilli(1000), map[string]interface{}{"to": "peer"})
	require.NoError(t, c.Send(ctx, out))
	got := <-r.received
	assert.Equal(t, "presence.ping", got["type"])
	assert.Equal(t, "peer", got["to"])
	assert.Equal(t, float64(1000), got["timestamp"])

	cancel()
	assert.NoError(t, <-done)
	_, open := <-c.Events()
	assert.False(t, open)
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	c := New(models.GatewayConfig{URL: "ws://127.0.0.1:1/ws"}, nil, quietLogger())
	err := c.Send(context.Background(), models.NewOutbound(models.OutboundTyping, time.Now(), nil))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeTransport, apperrors.GetCode(err))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestClient_Reconnects(t *testing.T) {
	r, srv := newRelay(t)
	c := New(models.GatewayConfig{URL: wsURL(srv), ReconnectInitialMs: 10, ReconnectMaxMs: 20}, nil, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	<-r.auth
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)

	r.dropAll()
	<-r.auth
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.conns) == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return r.push(ctx, map[string]interface{}{"id": "after", "kind": "session.registered"}) == nil
	}, time.Second, 10*time.Millisecond)
	ev := <-c.Events()
	assert.Equal(t, "after", ev.ID)
}
