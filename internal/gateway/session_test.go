package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lyra/internal/cache"
	"lyra/internal/envelope"
	"lyra/internal/gateway"
)

// clientFrame decodes any frame the gateway can send during a session
type clientFrame struct {
	Type      string          `json:"type"`
	Event     string          `json:"event"`
	ID        string          `json:"id"`
	ErrorCode int             `json:"error_code"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
}

// parkedPublisher hands each publish context to the test and then blocks
// until that context is cancelled
type parkedPublisher struct {
	started chan context.Context
}

func (p *parkedPublisher) PublishWork(ctx context.Context, msg envelope.Message) error {
	p.started <- ctx
	<-ctx.Done()
	return ctx.Err()
}

type sessionHarness struct {
	conn     *websocket.Conn
	sessions chan *gateway.ClientSession
}

// dialSession runs a real session behind an httptest server and returns a
// connected client side
func dialSession(t *testing.T, chatID string, registry *gateway.Registry, router *gateway.Router) *sessionHarness {
	t.Helper()

	sessions := make(chan *gateway.ClientSession, 1)
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		session := gateway.NewClientSession(chatID, conn, registry, router)
		sessions <- session
		session.Run()
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	return &sessionHarness{conn: conn, sessions: sessions}
}

func TestSessionDecodeErrorKeepsLoopAlive(t *testing.T) {
	cacheFake := newFakeCache()
	cacheFake.entries[cache.Key("Kent", "747")] = &cache.Entry{
		Artist:    "Kent",
		Title:     "747",
		Result:    "cached analysis",
		Countries: []string{"Sweden"},
	}
	registry := gateway.NewRegistry()
	router := gateway.NewRouter(cacheFake, &fakePublisher{})

	h := dialSession(t, "chat-1", registry, router)

	require.NoError(t, h.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	var frame clientFrame
	require.NoError(t, h.conn.ReadJSON(&frame))
	assert.Equal(t, 400, frame.ErrorCode)
	assert.Equal(t, "Json decode error", frame.Error)

	// The loop survives the bad frame and still serves commands
	require.NoError(t, h.conn.WriteJSON(gateway.Command{
		Method: "recognizeSong",
		ID:     "msg-1",
		Artist: "Kent",
		Title:  "747",
	}))

	var gotEvent, gotAck bool
	for i := 0; i < 2; i++ {
		var reply clientFrame
		require.NoError(t, h.conn.ReadJSON(&reply))
		switch {
		case reply.Type == gateway.FrameTypeEvent && reply.Event == gateway.EventNewMessage:
			gotEvent = true
		case reply.Type == gateway.FrameTypeResponse && reply.ID == "msg-1":
			gotAck = true
		}
	}
	assert.True(t, gotEvent, "expected the cached result as a newMessage event")
	assert.True(t, gotAck, "expected the success ack for msg-1")
}

func TestSessionDisconnectCancelsTasks(t *testing.T) {
	registry := gateway.NewRegistry()
	publisher := &parkedPublisher{started: make(chan context.Context, 1)}
	router := gateway.NewRouter(newFakeCache(), publisher)

	h := dialSession(t, "chat-1", registry, router)

	var session *gateway.ClientSession
	select {
	case session = <-h.sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("Session never started")
	}
	assert.Equal(t, gateway.SessionOpen, session.State())

	require.NoError(t, h.conn.WriteJSON(gateway.Command{
		Method: "recognizeSong",
		ID:     "msg-1",
		Artist: "Kent",
		Title:  "747",
	}))

	var taskCtx context.Context
	select {
	case taskCtx = <-publisher.started:
	case <-time.After(2 * time.Second):
		t.Fatal("Work item never reached the publisher")
	}
	assert.Equal(t, 1, registry.TaskCount("chat-1"))

	h.conn.Close()

	select {
	case <-taskCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("In-flight task never observed cancellation")
	}
	assert.Equal(t, context.Canceled, taskCtx.Err())

	require.Eventually(t, func() bool {
		return registry.SessionCount("chat-1") == 0 &&
			registry.TaskCount("chat-1") == 0 &&
			session.State() == gateway.SessionClosed
	}, 2*time.Second, 10*time.Millisecond, "registry should drain after disconnect")
}
