package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"lyra/internal/logger"
)

const lyricsAnalysisPrompt = `You are a music analyst. You are given a fragment of song lyrics.
Write a short analysis of the song: its themes, mood and likely cultural background.
Answer in plain text with no markup.`

const countryCalculationPrompt = `You are a music analyst. You are given a fragment of song lyrics.
Determine the countries where this song is most likely to be popular.
Answer with a JSON array of country names and nothing else, for example:
["United States", "United Kingdom"]`

const lyricsUnavailableText = "Could not retrieve track lyrics. Try again later"

// Analysis represents the outcome of analyzing one track
type Analysis struct {
	Response  string
	Countries []string
}

// Engine analyzes a track by fetching its lyrics and running them
// through a language model
type Engine struct {
	lyrics *LyricsClient
	chat   *ChatClient
	logger zerolog.Logger
}

// NewEngine creates a new analysis engine
func NewEngine(lyrics *LyricsClient, chat *ChatClient) *Engine {
	return &Engine{
		lyrics: lyrics,
		chat:   chat,
		logger: logger.New(),
	}
}

// Analyze fetches lyrics for the track and produces an analysis with
// the list of countries where the song is likely popular. A track with
// no retrievable lyrics yields a fixed explanatory response rather
// than an error.
func (e *Engine) Analyze(ctx context.Context, artist, title string) (*Analysis, error) {
	lyrics, err := e.lyrics.Lyrics(ctx, artist, title)
	if err != nil {
		if errors.Is(err, ErrLyricsNotFound) {
			return &Analysis{Response: lyricsUnavailableText, Countries: []string{}}, nil
		}
		return nil, fmt.Errorf("failed to fetch lyrics: %w", err)
	}

	e.logger.Debug().
		Str("artist", artist).
		Str("title", title).
		Int("lyrics_length", len(lyrics)).
		Msg("Retrieved lyrics")

	response, err := e.chat.Complete(ctx, lyricsAnalysisPrompt, lyrics)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze lyrics: %w", err)
	}

	countriesRaw, err := e.chat.Complete(ctx, countryCalculationPrompt, lyrics)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate countries: %w", err)
	}

	countries, err := parseCountries(countriesRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse country list: %w", err)
	}

	return &Analysis{Response: response, Countries: countries}, nil
}

// parseCountries extracts a JSON string array from a model reply,
// tolerating code fences around the payload
func parseCountries(raw string) ([]string, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var countries []string
	if err := json.Unmarshal([]byte(trimmed), &countries); err != nil {
		return nil, err
	}
	return countries, nil
}
