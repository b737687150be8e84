package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"lyra/internal/logger"
)

const maxLyricsLength = 300

// ErrLyricsNotFound indicates the lyrics API has no entry for the track
var ErrLyricsNotFound = errors.New("lyrics not found")

// LyricsClient retrieves song lyrics from the lyrics.ovh API
type LyricsClient struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewLyricsClient creates a new lyrics API client
func NewLyricsClient(baseURL string) *LyricsClient {
	return &LyricsClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.New(),
	}
}

// Lyrics fetches lyrics for the given track, truncated to a length
// that keeps downstream prompts small
func (c *LyricsClient) Lyrics(ctx context.Context, artist, title string) (string, error) {
	endpoint := fmt.Sprintf("%s/%s/%s",
		c.baseURL,
		url.PathEscape(strings.ToLower(artist)),
		url.PathEscape(strings.ToLower(title)))

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create lyrics request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call lyrics API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("artist", artist).
			Str("title", title).
			Msg("Lyrics API returned non-OK status")
		return "", ErrLyricsNotFound
	}

	var result struct {
		Lyrics string `json:"lyrics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse lyrics response: %w", err)
	}
	if result.Lyrics == "" {
		return "", ErrLyricsNotFound
	}

	lyrics := []rune(result.Lyrics)
	if len(lyrics) > maxLyricsLength {
		lyrics = lyrics[:maxLyricsLength]
	}
	return string(lyrics), nil
}
