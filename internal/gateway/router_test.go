package gateway_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lyra/internal/cache"
	"lyra/internal/envelope"
	"lyra/internal/gateway"
)

// fakeCache is an in-memory ResultCache with a switchable outage
type fakeCache struct {
	entries     map[string]*cache.Entry
	unavailable bool
	saves       int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]*cache.Entry)}
}

func (f *fakeCache) Lookup(ctx context.Context, artist, title string) (*cache.Entry, bool, error) {
	if f.unavailable {
		return nil, false, cache.ErrUnavailable
	}
	entry, ok := f.entries[cache.Key(artist, title)]
	return entry, ok, nil
}

func (f *fakeCache) Save(ctx context.Context, entry *cache.Entry) error {
	if f.unavailable {
		return cache.ErrUnavailable
	}
	f.saves++
	f.entries[cache.Key(entry.Artist, entry.Title)] = entry
	return nil
}

// fakePublisher records published work items
type fakePublisher struct {
	published []envelope.Message
	err       error
}

func (f *fakePublisher) PublishWork(ctx context.Context, msg envelope.Message) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, msg)
	return nil
}

func TestRouterRecognizeSong(t *testing.T) {
	t.Run("CacheMissPublishesWorkItem", func(t *testing.T) {
		cacheFake := newFakeCache()
		publisher := &fakePublisher{}
		router := gateway.NewRouter(cacheFake, publisher)
		session := &fakeSession{}

		router.Handle(context.Background(), "chat-1", session, gateway.Command{
			Method: "recognizeSong",
			ID:     "msg-1",
			Artist: "Radiohead",
			Title:  "Creep",
		})

		require.Len(t, publisher.published, 1)
		work, ok := publisher.published[0].(*envelope.UserMessage)
		require.True(t, ok, "expected a UserMessage work item")
		assert.Equal(t, "chat-1", work.ChatID)
		assert.Equal(t, "msg-1", work.MessageID)
		assert.Equal(t, "Radiohead", work.Artist)
		assert.Equal(t, "Creep", work.Title)

		// The reply is the acceptance ack, not the eventual result
		frames := session.delivered()
		require.Len(t, frames, 1)
		ack, ok := frames[0].(gateway.ResponseFrame)
		require.True(t, ok, "expected an ack frame")
		assert.Equal(t, "msg-1", ack.ID)
		assert.True(t, ack.Data.Success)
	})

	t.Run("CacheHitShortCircuits", func(t *testing.T) {
		cacheFake := newFakeCache()
		cacheFake.entries[cache.Key("Radiohead", "Creep")] = &cache.Entry{
			Artist:    "Radiohead",
			Title:     "Creep",
			Result:    "cached analysis",
			Countries: []string{"GB"},
		}
		publisher := &fakePublisher{}
		router := gateway.NewRouter(cacheFake, publisher)
		session := &fakeSession{}

		router.Handle(context.Background(), "chat-1", session, gateway.Command{
			Method: "recognizeSong",
			ID:     "msg-2",
			Artist: "radiohead",
			Title:  "CREEP",
		})

		assert.Empty(t, publisher.published, "cache hit must never publish")

		frames := session.delivered()
		require.Len(t, frames, 2)

		event, ok := frames[0].(gateway.EventFrame)
		require.True(t, ok, "expected a newMessage event first")
		assert.Equal(t, gateway.EventNewMessage, event.Event)
		data, ok := event.Data.(gateway.NewMessageData)
		require.True(t, ok)
		assert.Equal(t, "msg-2", data.UserMessageID)
		assert.Equal(t, "cached analysis", data.Text)
		assert.Equal(t, []string{"GB"}, data.Countries)

		_, ok = frames[1].(gateway.ResponseFrame)
		assert.True(t, ok, "expected the ack after the event")
	})

	t.Run("CacheOutageFailsOpen", func(t *testing.T) {
		cacheFake := newFakeCache()
		cacheFake.unavailable = true
		publisher := &fakePublisher{}
		router := gateway.NewRouter(cacheFake, publisher)
		session := &fakeSession{}

		router.Handle(context.Background(), "chat-1", session, gateway.Command{
			Method: "recognizeSong",
			ID:     "msg-3",
			Artist: "Nirvana",
			Title:  "Lithium",
		})

		assert.Len(t, publisher.published, 1, "outage must be treated as a miss")
	})

	t.Run("MissingArtistRejected", func(t *testing.T) {
		publisher := &fakePublisher{}
		router := gateway.NewRouter(newFakeCache(), publisher)
		session := &fakeSession{}

		router.Handle(context.Background(), "chat-1", session, gateway.Command{
			Method: "recognizeSong",
			ID:     "msg-4",
			Title:  "Creep",
		})

		assert.Empty(t, publisher.published)

		frames := session.delivered()
		require.Len(t, frames, 1)
		errFrame, ok := frames[0].(gateway.ErrorFrame)
		require.True(t, ok)
		assert.Equal(t, 422, errFrame.ErrorCode)
	})

	t.Run("PublishFailureReportsInternalError", func(t *testing.T) {
		publisher := &fakePublisher{err: errors.New("broker down")}
		router := gateway.NewRouter(newFakeCache(), publisher)
		session := &fakeSession{}

		router.Handle(context.Background(), "chat-1", session, gateway.Command{
			Method: "recognizeSong",
			ID:     "msg-5",
			Artist: "Nirvana",
			Title:  "Lithium",
		})

		frames := session.delivered()
		require.Len(t, frames, 1)
		errFrame, ok := frames[0].(gateway.ErrorFrame)
		require.True(t, ok)
		assert.Equal(t, 500, errFrame.ErrorCode)
	})

	t.Run("CancelledTaskPerformsNoSideEffects", func(t *testing.T) {
		publisher := &fakePublisher{}
		router := gateway.NewRouter(newFakeCache(), publisher)
		session := &fakeSession{}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		router.Handle(ctx, "chat-1", session, gateway.Command{
			Method: "recognizeSong",
			ID:     "msg-6",
			Artist: "Nirvana",
			Title:  "Lithium",
		})

		assert.Empty(t, publisher.published, "cancelled task must not publish")
		assert.Empty(t, session.delivered(), "cancelled task must not reply")
	})
}

func TestRouterUnknownMethod(t *testing.T) {
	publisher := &fakePublisher{}
	router := gateway.NewRouter(newFakeCache(), publisher)
	session := &fakeSession{}

	router.Handle(context.Background(), "chat-1", session, gateway.Command{
		Method: "transcribeSpeech",
		ID:     "msg-7",
	})

	assert.Empty(t, publisher.published, "unknown method must not publish")

	frames := session.delivered()
	require.Len(t, frames, 1)
	errFrame, ok := frames[0].(gateway.ErrorFrame)
	require.True(t, ok)
	assert.Equal(t, 400, errFrame.ErrorCode)
}
