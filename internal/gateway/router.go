package gateway

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"lyra/internal/cache"
	"lyra/internal/envelope"
	"lyra/internal/logger"
)

// Command is one parsed client frame
type Command struct {
	Method string `json:"method"`
	ID     string `json:"id"`
	Artist string `json:"artist"`
	Title  string `json:"title"`
}

var errMissingData = errors.New("required fields are missing in client data")

// ResultCache is the router's view of the result cache.
type ResultCache interface {
	Lookup(ctx context.Context, artist, title string) (*cache.Entry, bool, error)
	Save(ctx context.Context, entry *cache.Entry) error
}

// WorkPublisher publishes work items towards the worker pool.
type WorkPublisher interface {
	PublishWork(ctx context.Context, msg envelope.Message) error
}

type handlerFunc func(ctx context.Context, chatID string, session Session, cmd Command) error

// Router dispatches parsed client commands to their handlers and turns
// handler outcomes into reply frames. A failure while handling one command
// is reported on that session and never tears the connection down.
type Router struct {
	cache     ResultCache
	publisher WorkPublisher
	methods   map[string]handlerFunc
	logger    zerolog.Logger
}

// NewRouter creates a router over the given cache and publisher.
func NewRouter(resultCache ResultCache, publisher WorkPublisher) *Router {
	r := &Router{
		cache:     resultCache,
		publisher: publisher,
		logger:    logger.New(),
	}
	r.methods = map[string]handlerFunc{
		"recognizeSong": r.recognizeSong,
	}
	return r
}

// Handle processes one command for a chat session. Replies are best-effort;
// a session that disconnected mid-command just drops them.
func (r *Router) Handle(ctx context.Context, chatID string, session Session, cmd Command) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("chat_id", chatID).
				Interface("panic", rec).
				Msg("Recovered panic while handling command")
			session.Deliver(NewInternalErrorFrame())
		}
	}()

	handler, known := r.methods[cmd.Method]
	if !known {
		r.logger.Warn().
			Str("chat_id", chatID).
			Str("method", cmd.Method).
			Msg("Unknown method in client command")
		session.Deliver(NewMethodNotAllowedFrame())
		return
	}

	if err := handler(ctx, chatID, session, cmd); err != nil {
		switch {
		case errors.Is(err, errMissingData):
			session.Deliver(NewMissingDataFrame())
		case errors.Is(err, context.Canceled):
			// Disconnect won the race; nothing to reply to
		default:
			r.logger.Error().
				Str("chat_id", chatID).
				Str("method", cmd.Method).
				Err(err).
				Msg("Command handler failed")
			session.Deliver(NewInternalErrorFrame())
		}
		return
	}

	session.Deliver(NewAckFrame(cmd.ID))
}

// recognizeSong answers from the cache when possible and otherwise publishes
// a work item. The reply in the miss case means "accepted for processing";
// the eventual result arrives later as a newMessage event.
func (r *Router) recognizeSong(ctx context.Context, chatID string, session Session, cmd Command) error {
	if cmd.Artist == "" || cmd.Title == "" || cmd.ID == "" {
		return errMissingData
	}

	entry, found, err := r.cache.Lookup(ctx, cmd.Artist, cmd.Title)
	if err != nil {
		// Fail open: a degraded cache must not block request processing
		r.logger.Warn().
			Str("chat_id", chatID).
			Err(err).
			Msg("Cache lookup failed, treating as miss")
		found = false
	}

	// A cancelled task performs no further side effects
	if err := ctx.Err(); err != nil {
		return err
	}

	if found {
		r.logger.Info().
			Str("chat_id", chatID).
			Str("message_id", cmd.ID).
			Str("artist", cmd.Artist).
			Str("title", cmd.Title).
			Msg("Answering from cache")
		session.Deliver(NewMessageEvent(cmd.ID, entry.Result, entry.Countries, cmd.Artist, cmd.Title))
		return nil
	}

	work := &envelope.UserMessage{
		ChatID:    chatID,
		MessageID: cmd.ID,
		Artist:    cmd.Artist,
		Title:     cmd.Title,
	}

	if err := r.publisher.PublishWork(ctx, work); err != nil {
		return err
	}

	r.logger.Info().
		Str("chat_id", chatID).
		Str("message_id", cmd.ID).
		Str("artist", cmd.Artist).
		Str("title", cmd.Title).
		Msg("Published work item")

	return nil
}
