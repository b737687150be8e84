package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"lyra/internal/envelope"
	"lyra/internal/logger"
)

const waitingStatusText = "Waiting for response..."

// Analyzer produces an analysis for one track
type Analyzer interface {
	Analyze(ctx context.Context, artist, title string) (*Analysis, error)
}

// ResultPublisher publishes finished results back to the gateway
type ResultPublisher interface {
	PublishResult(ctx context.Context, msg envelope.Message) error
}

// WorkConsumer delivers queued recognition requests to a handler
type WorkConsumer interface {
	ConsumeWork(ctx context.Context, handler func(envelope.Message)) error
}

// Worker consumes recognition requests from the work queue, runs the
// analysis engine and publishes results to the result queue
type Worker struct {
	engine  Analyzer
	results ResultPublisher
	timeout time.Duration
	logger  zerolog.Logger
}

// NewWorker creates a new recognition worker
func NewWorker(engine Analyzer, results ResultPublisher, timeout time.Duration) *Worker {
	return &Worker{
		engine:  engine,
		results: results,
		timeout: timeout,
		logger:  logger.New(),
	}
}

// Run consumes work items until the context is cancelled or the
// broker connection fails
func (w *Worker) Run(ctx context.Context, consumer WorkConsumer) error {
	return consumer.ConsumeWork(ctx, func(msg envelope.Message) {
		w.Handle(ctx, msg)
	})
}

// Handle processes a single queued message. Requests are acknowledged
// with an immediate status message so clients know work has started,
// then answered with a response message once the analysis finishes.
// An analysis failure yields a fixed fallback response instead of
// dropping the request.
func (w *Worker) Handle(ctx context.Context, msg envelope.Message) {
	item, ok := msg.(*envelope.UserMessage)
	if !ok {
		w.logger.Warn().
			Str("chat_id", msg.Chat()).
			Msg("Ignoring unexpected message on work queue")
		return
	}

	w.logger.Info().
		Str("chat_id", item.ChatID).
		Str("artist", item.Artist).
		Str("title", item.Title).
		Msg("Processing recognition request")

	status := &envelope.StatusMessage{
		ChatID:        item.ChatID,
		UserMessageID: item.MessageID,
		Text:          waitingStatusText,
	}
	if err := w.results.PublishResult(ctx, status); err != nil {
		w.logger.Error().Err(err).
			Str("chat_id", item.ChatID).
			Msg("Failed to publish status message")
	}

	taskCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	response := envelope.FallbackResponseText
	countries := []string{}

	analysis, err := w.engine.Analyze(taskCtx, item.Artist, item.Title)
	if err != nil {
		w.logger.Error().Err(err).
			Str("chat_id", item.ChatID).
			Str("artist", item.Artist).
			Str("title", item.Title).
			Msg("Analysis failed, sending fallback response")
	} else {
		response = analysis.Response
		countries = analysis.Countries
	}

	result := &envelope.ResponseMessage{
		ChatID:        item.ChatID,
		UserMessageID: item.MessageID,
		Response:      response,
		Countries:     countries,
		Artist:        item.Artist,
		Title:         item.Title,
	}
	if err := w.results.PublishResult(ctx, result); err != nil {
		w.logger.Error().Err(err).
			Str("chat_id", item.ChatID).
			Msg("Failed to publish response message")
	}
}
