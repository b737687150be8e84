// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"lyra/internal/envelope"
	"lyra/internal/logger"
)

// Connection states for one logical side of the bridge
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

// DialFunc opens an AMQP connection. Injected so tests can exercise the
// retry logic without a running broker.
type DialFunc func(url string) (*amqp.Connection, error)

// Config holds broker bridge settings
type Config struct {
	URL         string
	QueuePrefix string
	MaxAttempts int
	RetryDelay  time.Duration
}

// Bridge owns the gateway's two logical queues for one deployment prefix: a
// durable work queue for outbound items and a non-durable result queue
// consumed best-effort with no acknowledgment. The publishing connection is
// established lazily on first use and shared by all callers.
type Bridge struct {
	config Config
	dial   DialFunc
	logger zerolog.Logger

	mutex        sync.Mutex
	pubConn      *amqp.Connection
	pubChannel   *amqp.Channel
	declared     map[string]bool
	pubState     string
	consumeState string
}

// New creates a bridge that dials the broker with the real AMQP client.
func New(config Config) *Bridge {
	return NewWithDialer(config, amqp.Dial)
}

// NewWithDialer creates a bridge with a custom dialer.
func NewWithDialer(config Config, dial DialFunc) *Bridge {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 3 * time.Second
	}

	return &Bridge{
		config:       config,
		dial:         dial,
		logger:       logger.New(),
		declared:     make(map[string]bool),
		pubState:     StateDisconnected,
		consumeState: StateDisconnected,
	}
}

// WorkQueue returns the durable queue name carrying work items.
func (b *Bridge) WorkQueue() string {
	return fmt.Sprintf("incoming_%s", b.config.QueuePrefix)
}

// ResultQueue returns the non-durable queue name carrying results.
func (b *Bridge) ResultQueue() string {
	return fmt.Sprintf("outgoing_%s", b.config.QueuePrefix)
}

// PublisherState returns the state of the outbound connection.
func (b *Bridge) PublisherState() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.pubState
}

// ConsumerState returns the state of the inbound connection.
func (b *Bridge) ConsumerState() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.consumeState
}

// DialWithRetry attempts to connect to the broker, retrying with a fixed
// delay up to maxAttempts total attempts. The last error is surfaced when
// every attempt fails. Both the publisher and the consumer sides use this.
func DialWithRetry(url string, maxAttempts int, delay time.Duration, dial DialFunc) (*amqp.Connection, error) {
	log := logger.New()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conn, err := dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}

		log.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Broker not ready, retrying")
		time.Sleep(delay)
	}

	return nil, fmt.Errorf("failed to connect to broker after %d attempts: %w", maxAttempts, lastErr)
}

// PublishWork serializes a work item and publishes it to the durable work
// queue. The call returns once the broker accepts the frame; no worker
// acknowledgment is awaited.
func (b *Bridge) PublishWork(ctx context.Context, msg envelope.Message) error {
	return b.publish(ctx, b.WorkQueue(), true, msg)
}

// PublishResult publishes a status or response message to the result queue.
// Delivery is best-effort; a result published while no consumer is attached
// is lost.
func (b *Bridge) PublishResult(ctx context.Context, msg envelope.Message) error {
	return b.publish(ctx, b.ResultQueue(), false, msg)
}

func (b *Bridge) publish(ctx context.Context, queue string, durable bool, msg envelope.Message) error {
	body, err := envelope.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if err := b.ensurePublisher(queue, durable); err != nil {
		return err
	}

	err = b.pubChannel.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		// Drop the connection so the next publish redials
		b.resetPublisher()
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}

	b.logger.Debug().
		Str("queue", queue).
		Int("body_size", len(body)).
		Msg("Published message")

	return nil
}

// ensurePublisher lazily establishes the shared outbound connection and
// declares the target queue once. Callers hold b.mutex.
func (b *Bridge) ensurePublisher(queue string, durable bool) error {
	if b.pubConn == nil || b.pubConn.IsClosed() {
		b.resetPublisher()
		b.pubState = StateConnecting

		conn, err := DialWithRetry(b.config.URL, b.config.MaxAttempts, b.config.RetryDelay, b.dial)
		if err != nil {
			b.pubState = StateDisconnected
			return err
		}

		channel, err := conn.Channel()
		if err != nil {
			conn.Close()
			b.pubState = StateDisconnected
			return fmt.Errorf("failed to open channel: %w", err)
		}

		b.pubConn = conn
		b.pubChannel = channel
		b.pubState = StateConnected

		b.logger.Info().
			Str("queue_prefix", b.config.QueuePrefix).
			Msg("Broker publisher connected")
	}

	if !b.declared[queue] {
		if _, err := b.pubChannel.QueueDeclare(queue, durable, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
		b.declared[queue] = true
	}

	return nil
}

// resetPublisher drops the outbound connection state. Callers hold b.mutex.
func (b *Bridge) resetPublisher() {
	if b.pubConn != nil {
		b.pubConn.Close()
	}
	b.pubConn = nil
	b.pubChannel = nil
	b.declared = make(map[string]bool)
	b.pubState = StateDisconnected
}

// ConsumeResults consumes the result queue, invoking handler once per
// message in delivery order. The handler runs to completion before the next
// delivery is dispatched. Blocks until ctx is cancelled or the connection
// fails.
func (b *Bridge) ConsumeResults(ctx context.Context, handler func(envelope.Message)) error {
	return b.consume(ctx, b.ResultQueue(), false, handler)
}

// ConsumeWork consumes the durable work queue the same way. Used by the
// worker daemon.
func (b *Bridge) ConsumeWork(ctx context.Context, handler func(envelope.Message)) error {
	return b.consume(ctx, b.WorkQueue(), true, handler)
}

func (b *Bridge) consume(ctx context.Context, queue string, durable bool, handler func(envelope.Message)) error {
	b.setConsumerState(StateConnecting)

	conn, err := DialWithRetry(b.config.URL, b.config.MaxAttempts, b.config.RetryDelay, b.dial)
	if err != nil {
		b.setConsumerState(StateDisconnected)
		return err
	}
	defer conn.Close()

	channel, err := conn.Channel()
	if err != nil {
		b.setConsumerState(StateDisconnected)
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := channel.QueueDeclare(queue, durable, false, false, false, nil); err != nil {
		b.setConsumerState(StateDisconnected)
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	// no-ack consumption: at-most-once delivery
	deliveries, err := channel.Consume(queue, "", true, false, false, false, nil)
	if err != nil {
		b.setConsumerState(StateDisconnected)
		return fmt.Errorf("failed to consume queue %s: %w", queue, err)
	}

	b.setConsumerState(StateConnected)
	b.logger.Info().
		Str("queue", queue).
		Msg("Broker consumer attached")

	defer b.setConsumerState(StateDisconnected)

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queue)
			}

			msg, err := envelope.Decode(delivery.Body)
			if err != nil {
				b.logger.Warn().
					Err(err).
					Str("queue", queue).
					Msg("Dropping undecodable broker payload")
				continue
			}

			handler(msg)
		}
	}
}

func (b *Bridge) setConsumerState(state string) {
	b.mutex.Lock()
	b.consumeState = state
	b.mutex.Unlock()
}
