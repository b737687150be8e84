package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"lyra/internal/logger"
)

// Session lifecycle states
const (
	SessionOpen   = "open"
	SessionClosed = "closed"
)

// ClientSession owns one live websocket connection. It runs the receive
// loop, spawns an independent tracked task per inbound command, and tears
// the registry state down exactly once on disconnect. Closed is terminal.
type ClientSession struct {
	chatID   string
	conn     *websocket.Conn
	registry *Registry
	router   *Router
	logger   zerolog.Logger

	writeMutex sync.Mutex
	closed     atomic.Bool
	closeOnce  sync.Once
}

// NewClientSession creates a session for an authenticated, upgraded
// connection.
func NewClientSession(chatID string, conn *websocket.Conn, registry *Registry, router *Router) *ClientSession {
	return &ClientSession{
		chatID:   chatID,
		conn:     conn,
		registry: registry,
		router:   router,
		logger:   logger.New(),
	}
}

// State reports whether the session is still open.
func (s *ClientSession) State() string {
	if s.closed.Load() {
		return SessionClosed
	}
	return SessionOpen
}

// Run registers the session and processes inbound frames until the client
// disconnects or the transport fails. Commands are dispatched concurrently;
// the loop never waits on a spawned task.
func (s *ClientSession) Run() {
	s.registry.Register(s.chatID, s)
	defer s.teardown()

	s.logger.Info().
		Str("chat_id", s.chatID).
		Msg("Session open")

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().
					Str("chat_id", s.chatID).
					Err(err).
					Msg("Session transport error")
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.logger.Warn().
				Str("chat_id", s.chatID).
				Err(err).
				Msg("Undecodable client frame")
			s.Deliver(NewDecodeErrorFrame())
			continue
		}

		s.dispatch(cmd)
	}
}

// dispatch spawns a tracked task running the router for one command
func (s *ClientSession) dispatch(cmd Command) {
	ctx, cancel := context.WithCancel(context.Background())
	taskID := s.registry.TrackTask(s.chatID, cancel)

	go func() {
		defer cancel()
		defer s.registry.UntrackTask(s.chatID, taskID)
		s.router.Handle(ctx, s.chatID, s, cmd)
	}()
}

// Deliver sends one frame to the client. Writes are serialized; delivery to
// a closed session is a silent no-op so result broadcasts racing a
// disconnect do not error out.
func (s *ClientSession) Deliver(frame interface{}) error {
	if s.closed.Load() {
		return nil
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	if s.closed.Load() {
		return nil
	}
	return s.conn.WriteJSON(frame)
}

// teardown runs the terminal disconnect sequence exactly once: remove the
// session from the registry, cancel every task tracked for the chat id,
// close the transport.
func (s *ClientSession) teardown() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.registry.Unregister(s.chatID, s)
		s.registry.CancelAll(s.chatID)
		s.conn.Close()

		s.logger.Info().
			Str("chat_id", s.chatID).
			Int("sessions_left", s.registry.SessionCount(s.chatID)).
			Msg("Session closed")
	})
}
