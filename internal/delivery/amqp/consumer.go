package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	amqplib "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Harsh-BH/Sentinel/judge/internal/domain"
)

const (
	// DefaultQueue is the queue judging requests are consumed from.
	DefaultQueue = "judge_requests"

	// Reconnection parameters
	maxReconnectDelay  = 30 * time.Second
	baseReconnectDelay = 1 * time.Second
)

var errNoReplyTo = errors.New("message has no reply_to")

// Consumer listens to RabbitMQ and dispatches JudgeMessage values (with
// reply and ACK callbacks) to a channel. Replies go to the default exchange
// keyed by the request's ReplyTo, carrying its CorrelationId.
type Consumer struct {
	url      string
	queue    string
	prefetch int
	conn     *amqplib.Connection
	channel  *amqplib.Channel
	logger   *zap.Logger
	messages chan<- *domain.JudgeMessage

	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

// NewConsumer creates a new RabbitMQ consumer. prefetch bounds the number of
// unacknowledged deliveries and should match the worker pool size.
func NewConsumer(url, queue string, prefetch int, messages chan<- *domain.JudgeMessage, logger *zap.Logger) (*Consumer, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	c := &Consumer{
		url:      url,
		queue:    queue,
		prefetch: prefetch,
		logger:   logger,
		messages: messages,
		closeCh:  make(chan struct{}),
	}

	if err := c.connect(); err != nil {
		return nil, err
	}

	return c, nil
}

// connect establishes the AMQP connection and channel and declares the queue.
func (c *Consumer) connect() error {
	conn, err := amqplib.Dial(c.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp qos: %w", err)
	}

	_, err = ch.QueueDeclare(
		c.queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp queue declare: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	return nil
}

// Start begins consuming messages. It blocks until the context is cancelled
// or Close is called. On connection loss it reconnects with exponential backoff.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		err := c.consume(ctx)
		if err == nil {
			return nil
		}

		if c.stopped(ctx) {
			return nil
		}

		c.logger.Warn("AMQP consumer lost connection, reconnecting...", zap.Error(err))

		for attempt := 0; ; attempt++ {
			delay := backoff(attempt)
			c.logger.Info("Reconnect attempt",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
			)

			select {
			case <-c.closeCh:
				return nil
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}

			if err := c.connect(); err != nil {
				c.logger.Error("Reconnect failed", zap.Error(err))
				continue
			}

			c.logger.Info("Reconnected to RabbitMQ")
			break
		}
	}
}

func (c *Consumer) stopped(ctx context.Context) bool {
	select {
	case <-c.closeCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// backoff returns the delay before reconnect attempt n (zero based).
func backoff(attempt int) time.Duration {
	return time.Duration(math.Min(
		float64(baseReconnectDelay)*math.Pow(2, float64(attempt)),
		float64(maxReconnectDelay),
	))
}

// consume runs one consume session until the delivery channel closes or ctx is cancelled.
func (c *Consumer) consume(ctx context.Context) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()

	if ch == nil {
		return fmt.Errorf("channel is nil")
	}

	deliveries, err := ch.Consume(
		c.queue,
		"",    // auto-generated consumer tag
		false, // auto-ack disabled (manual ack)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}

	c.logger.Info("AMQP consumer started", zap.String("queue", c.queue))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("AMQP consumer stopping (context cancelled)")
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			msg, err := newMessage(ch, delivery)
			if err != nil {
				c.logger.Error("Rejecting judge request",
					zap.Error(err),
					zap.String("correlation_id", delivery.CorrelationId),
				)
				delivery.Nack(false, false)
				continue
			}

			c.logger.Debug("Received judge request from queue",
				zap.String("submission_id", msg.Request.SubmissionID),
				zap.String("language", string(msg.Request.Language)),
				zap.String("correlation_id", delivery.CorrelationId),
			)

			// Blocks while all workers are busy; prefetch bounds what the
			// broker hands us meanwhile.
			select {
			case c.messages <- msg:
			case <-ctx.Done():
				delivery.Nack(false, true)
				return nil
			}
		}
	}
}

// publisher is the subset of *amqplib.Channel used to send replies.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqplib.Publishing) error
}

// acknowledger settles a delivery.
type acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
}

type replyChannel interface {
	publisher
	acknowledger
}

// newMessage decodes a delivery into a JudgeMessage bound to ch.
func newMessage(ch replyChannel, delivery amqplib.Delivery) (*domain.JudgeMessage, error) {
	if delivery.ReplyTo == "" {
		return nil, errNoReplyTo
	}

	var req domain.JudgeRequest
	if err := json.Unmarshal(delivery.Body, &req); err != nil {
		return nil, fmt.Errorf("unmarshal judge request: %w", err)
	}

	tag := delivery.DeliveryTag
	replyTo := delivery.ReplyTo
	correlationID := delivery.CorrelationId

	return &domain.JudgeMessage{
		Request: &req,
		Reply: func(ctx context.Context, reply *domain.JudgeReply) error {
			body, err := json.Marshal(reply)
			if err != nil {
				return fmt.Errorf("marshal reply: %w", err)
			}
			return ch.PublishWithContext(ctx, "", replyTo, false, false, amqplib.Publishing{
				ContentType:   "application/json",
				CorrelationId: correlationID,
				Timestamp:     time.Now(),
				Body:          body,
			})
		},
		Ack: func() error {
			return ch.Ack(tag, false)
		},
		Nack: func(requeue bool) error {
			return ch.Nack(tag, false, requeue)
		},
	}, nil
}

// Close gracefully shuts down the consumer.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)

	var firstErr error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			firstErr = err
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
