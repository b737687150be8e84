package gateway

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"lyra/internal/logger"
)

// Session is the registry's view of one live client connection.
type Session interface {
	Deliver(frame interface{}) error
}

// chatEntry is the per-chat bookkeeping: live connections plus the cancel
// handles of in-flight command tasks spawned under that chat id.
type chatEntry struct {
	sessions map[Session]struct{}
	tasks    map[uint64]context.CancelFunc
}

// Registry tracks live sessions and in-flight tasks per chat id. All
// mutation is serialized through the mutex; disconnect-driven cancellation
// and broker-driven broadcast both touch it concurrently.
type Registry struct {
	mutex  sync.RWMutex
	chats  map[string]*chatEntry
	nextID uint64
	logger zerolog.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		chats:  make(map[string]*chatEntry),
		logger: logger.New(),
	}
}

// Register adds a live session under a chat id, creating the chat entry
// lazily on the first connection.
func (r *Registry) Register(chatID string, session Session) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry := r.entry(chatID)
	entry.sessions[session] = struct{}{}

	r.logger.Debug().
		Str("chat_id", chatID).
		Int("sessions", len(entry.sessions)).
		Msg("Session registered")
}

// Unregister removes a session. When the last session for a chat id is gone
// and no tasks remain, the chat entry itself is dropped; a later reconnect
// creates a fresh one.
func (r *Registry) Unregister(chatID string, session Session) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry, exists := r.chats[chatID]
	if !exists {
		return
	}

	delete(entry.sessions, session)
	r.maybeDrop(chatID, entry)

	r.logger.Debug().
		Str("chat_id", chatID).
		Int("sessions", len(entry.sessions)).
		Msg("Session unregistered")
}

// TrackTask records a cancellable task under a chat id and returns its
// handle for later untracking.
func (r *Registry) TrackTask(chatID string, cancel context.CancelFunc) uint64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.nextID++
	id := r.nextID

	entry := r.entry(chatID)
	entry.tasks[id] = cancel

	return id
}

// UntrackTask removes a completed task from the chat's task set.
func (r *Registry) UntrackTask(chatID string, id uint64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry, exists := r.chats[chatID]
	if !exists {
		return
	}

	delete(entry.tasks, id)
	r.maybeDrop(chatID, entry)
}

// SessionsFor returns a snapshot of the live sessions for a chat id. The
// returned slice is a copy; it may be empty.
func (r *Registry) SessionsFor(chatID string) []Session {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	entry, exists := r.chats[chatID]
	if !exists {
		return nil
	}

	sessions := make([]Session, 0, len(entry.sessions))
	for session := range entry.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// CancelAll issues a cancellation signal to every tracked task for the chat
// id and clears the task set.
func (r *Registry) CancelAll(chatID string) {
	r.mutex.Lock()

	entry, exists := r.chats[chatID]
	if !exists {
		r.mutex.Unlock()
		return
	}

	cancels := make([]context.CancelFunc, 0, len(entry.tasks))
	for _, cancel := range entry.tasks {
		cancels = append(cancels, cancel)
	}
	entry.tasks = make(map[uint64]context.CancelFunc)
	r.maybeDrop(chatID, entry)

	r.mutex.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	if len(cancels) > 0 {
		r.logger.Info().
			Str("chat_id", chatID).
			Int("cancelled", len(cancels)).
			Msg("Cancelled in-flight tasks")
	}
}

// TaskCount returns the number of in-flight tasks for a chat id.
func (r *Registry) TaskCount(chatID string) int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	entry, exists := r.chats[chatID]
	if !exists {
		return 0
	}
	return len(entry.tasks)
}

// SessionCount returns the number of live sessions for a chat id.
func (r *Registry) SessionCount(chatID string) int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	entry, exists := r.chats[chatID]
	if !exists {
		return 0
	}
	return len(entry.sessions)
}

// entry returns the chat entry, creating it if needed. Callers hold r.mutex.
func (r *Registry) entry(chatID string) *chatEntry {
	entry, exists := r.chats[chatID]
	if !exists {
		entry = &chatEntry{
			sessions: make(map[Session]struct{}),
			tasks:    make(map[uint64]context.CancelFunc),
		}
		r.chats[chatID] = entry
	}
	return entry
}

// maybeDrop removes an empty chat entry. Callers hold r.mutex.
func (r *Registry) maybeDrop(chatID string, entry *chatEntry) {
	if len(entry.sessions) == 0 && len(entry.tasks) == 0 {
		delete(r.chats, chatID)
	}
}
