package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"lyra/internal/logger"
)

// ErrUnavailable indicates the backing store could not be reached. Lookup
// callers treat it as a miss; save callers log and carry on.
var ErrUnavailable = errors.New("result cache unavailable")

// Entry is one cached recognition result, keyed by case-normalized
// (artist, title). Entries are immutable once written; a re-save is
// last-write-wins.
type Entry struct {
	Artist    string
	Title     string
	Result    string
	Countries []string
}

// Store is the persistent key/value layer beneath the cache.
type Store interface {
	Lookup(ctx context.Context, artist, title string) (*Entry, bool, error)
	Save(ctx context.Context, entry *Entry) error
	Close() error
}

// Cache fronts a Store with an in-process LRU layer so repeat lookups for a
// hot (artist, title) pair skip the database entirely.
type Cache struct {
	store  Store
	memory *lru.Cache[string, *Entry]
	logger zerolog.Logger
}

// New creates a cache over the given store. maxEntries bounds the in-memory
// layer; values <= 0 fall back to a default of 256.
func New(store Store, maxEntries int) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 256
	}

	memory, err := lru.New[string, *Entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}

	return &Cache{
		store:  store,
		memory: memory,
		logger: logger.New(),
	}, nil
}

// Lookup returns the cached result for (artist, title), or found=false on a
// miss. Store failures surface as ErrUnavailable-wrapped errors.
func (c *Cache) Lookup(ctx context.Context, artist, title string) (*Entry, bool, error) {
	key := Key(artist, title)

	if entry, ok := c.memory.Get(key); ok {
		return entry, true, nil
	}

	entry, found, err := c.store.Lookup(ctx, artist, title)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	c.memory.Add(key, entry)
	return entry, true, nil
}

// Save writes an entry through to the store and the memory layer. The memory
// layer is only updated after a successful store write so a degraded store
// does not serve results that were never persisted.
func (c *Cache) Save(ctx context.Context, entry *Entry) error {
	if err := c.store.Save(ctx, entry); err != nil {
		return err
	}

	c.memory.Add(Key(entry.Artist, entry.Title), entry)
	return nil
}

// Close closes the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}

// Key returns the case-normalized cache key for an (artist, title) pair.
func Key(artist, title string) string {
	return normalize(artist) + "\x00" + normalize(title)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
