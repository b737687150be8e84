package gateway_test

import (
	"testing"

	"lyra/internal/cache"
	"lyra/internal/envelope"
	"lyra/internal/gateway"
)

func newTestServer(t *testing.T, resultCache gateway.ResultCache) *gateway.Server {
	t.Helper()

	config := gateway.NewDefaultConfig()
	config.Auth.Token = "secret-token"
	return gateway.NewServer(config, resultCache, nil)
}

func TestHandleResultBroadcast(t *testing.T) {
	t.Run("FanOutToAllSessionsForChatID", func(t *testing.T) {
		cacheFake := newFakeCache()
		server := newTestServer(t, cacheFake)

		s1 := &fakeSession{}
		s2 := &fakeSession{}
		other := &fakeSession{}
		server.Registry().Register("chat-1", s1)
		server.Registry().Register("chat-1", s2)
		server.Registry().Register("chat-2", other)

		server.HandleResult(&envelope.ResponseMessage{
			ChatID:        "chat-1",
			UserMessageID: "msg-1",
			Response:      "analysis",
			Countries:     []string{"US"},
			Artist:        "Nirvana",
			Title:         "Lithium",
		})

		for i, s := range []*fakeSession{s1, s2} {
			frames := s.delivered()
			if len(frames) != 1 {
				t.Fatalf("Session %d: expected 1 frame, got %d", i, len(frames))
			}
			event, ok := frames[0].(gateway.EventFrame)
			if !ok {
				t.Fatalf("Session %d: expected an event frame", i)
			}
			if event.Event != gateway.EventNewMessage {
				t.Errorf("Session %d: expected newMessage, got %s", i, event.Event)
			}
		}

		if len(other.delivered()) != 0 {
			t.Error("Result must not reach sessions of other chat ids")
		}
	})

	t.Run("SuccessfulResponseCachedBeforeBroadcast", func(t *testing.T) {
		cacheFake := newFakeCache()
		server := newTestServer(t, cacheFake)

		server.HandleResult(&envelope.ResponseMessage{
			ChatID:        "chat-1",
			UserMessageID: "msg-1",
			Response:      "analysis",
			Countries:     []string{"US"},
			Artist:        "Nirvana",
			Title:         "Lithium",
		})

		// Cached even with zero live sessions at delivery time
		entry, found := cacheFake.entries[cache.Key("Nirvana", "Lithium")]
		if !found {
			t.Fatal("Expected result to be cached")
		}
		if entry.Result != "analysis" {
			t.Errorf("Expected cached result 'analysis', got %q", entry.Result)
		}
	})

	t.Run("FallbackResponseNotCached", func(t *testing.T) {
		cacheFake := newFakeCache()
		server := newTestServer(t, cacheFake)

		server.HandleResult(&envelope.ResponseMessage{
			ChatID:        "chat-1",
			UserMessageID: "msg-1",
			Response:      envelope.FallbackResponseText,
			Artist:        "Nirvana",
			Title:         "Lithium",
		})

		if cacheFake.saves != 0 {
			t.Error("Fallback responses must never be cached")
		}
	})

	t.Run("StatusMessageBroadcastWithoutCacheWrite", func(t *testing.T) {
		cacheFake := newFakeCache()
		server := newTestServer(t, cacheFake)

		s := &fakeSession{}
		server.Registry().Register("chat-1", s)

		server.HandleResult(&envelope.StatusMessage{
			ChatID:        "chat-1",
			UserMessageID: "msg-1",
			Text:          "Waiting for response...",
		})

		frames := s.delivered()
		if len(frames) != 1 {
			t.Fatalf("Expected 1 frame, got %d", len(frames))
		}
		event := frames[0].(gateway.EventFrame)
		if event.Event != gateway.EventStatusMessage {
			t.Errorf("Expected statusMessage event, got %s", event.Event)
		}
		if cacheFake.saves != 0 {
			t.Error("Status messages must not touch the cache")
		}
	})

	t.Run("WorkItemOnResultQueueDropped", func(t *testing.T) {
		cacheFake := newFakeCache()
		server := newTestServer(t, cacheFake)

		s := &fakeSession{}
		server.Registry().Register("chat-1", s)

		server.HandleResult(&envelope.UserMessage{
			ChatID:    "chat-1",
			MessageID: "msg-1",
			Artist:    "Nirvana",
			Title:     "Lithium",
		})

		if len(s.delivered()) != 0 {
			t.Error("Work items must never be forwarded to clients")
		}
	})
}
