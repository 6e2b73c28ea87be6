// Package events implements event publishing to RabbitMQ
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Event types
const (
	EventWalletOpened         = "wallet.opened"
	EventWalletDeactivated    = "wallet.deactivated"
	EventTransactionCreated   = "transaction.created"
	EventTransactionCompleted = "transaction.completed"
	EventTransactionFailed    = "transaction.failed"
	EventTransactionCancelled = "transaction.cancelled"
	EventAuditRecorded        = "audit.recorded"
	EventAnomalyDetected      = "anomaly.detected"
	EventGatewayCallback      = "gateway.callback"
)

// Exchange and queue names
const (
	ExchangeWallet  = "wallet.events"
	ExchangeGateway = "wallet.gateway"

	QueueGatewayCallbacks = "wallet.gateway.callbacks"
	QueueAuditAnalytics   = "wallet.audit.analytics"
)

// Event represents a domain event
type Event struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	AggregateID string                 `json:"aggregate_id"`
	Timestamp   time.Time              `json:"timestamp"`
	Version     int                    `json:"version"`
	Data        map[string]interface{} `json:"data"`
	Metadata    map[string]string      `json:"metadata"`
}

// NewEvent creates a new event
func NewEvent(eventType, source, aggregateID string, data map[string]interface{}) *Event {
	return &Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		Source:      source,
		AggregateID: aggregateID,
		Timestamp:   time.Now().UTC(),
		Version:     1,
		Data:        data,
		Metadata:    make(map[string]string),
	}
}

// DecodeData re-decodes the loosely typed Data map into dst.
func (e *Event) DecodeData(dst interface{}) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode event data: %w", err)
	}
	return nil
}

// Publisher interface for event publishing
type Publisher interface {
	Publish(ctx context.Context, exchange string, event *Event) error
	PublishWithRouting(ctx context.Context, exchange, routingKey string, event *Event) error
	Close() error
}

// RabbitMQPublisher implements Publisher for RabbitMQ
type RabbitMQPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *slog.Logger

	mu       sync.RWMutex
	closed   bool
	pubMu    sync.Mutex // pairs each publish with its confirm
	confirms chan amqp.Confirmation
	timeout  time.Duration
}

// PublisherConfig for RabbitMQ connection
type PublisherConfig struct {
	URL            string
	PublishTimeout time.Duration
	EnableConfirms bool
}

// DefaultPublisherConfig returns sensible defaults
func DefaultPublisherConfig(url string) PublisherConfig {
	return PublisherConfig{
		URL:            url,
		PublishTimeout: 5 * time.Second,
		EnableConfirms: true,
	}
}

// NewRabbitMQPublisher creates new RabbitMQ publisher
func NewRabbitMQPublisher(cfg PublisherConfig, logger *slog.Logger) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declareExchanges(channel); err != nil {
		conn.Close()
		return nil, err
	}

	p := &RabbitMQPublisher{
		conn:    conn,
		channel: channel,
		logger:  logger,
		timeout: cfg.PublishTimeout,
	}

	// Enable publisher confirms
	if cfg.EnableConfirms {
		if err := channel.Confirm(false); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to enable confirms: %w", err)
		}
		p.confirms = channel.NotifyPublish(make(chan amqp.Confirmation, 100))
	}

	logger.Info("RabbitMQ publisher initialized")

	return p, nil
}

func declareExchanges(channel *amqp.Channel) error {
	for _, exchange := range []string{ExchangeWallet, ExchangeGateway} {
		err := channel.ExchangeDeclare(
			exchange,
			"topic", // type
			true,    // durable
			false,   // auto-deleted
			false,   // internal
			false,   // no-wait
			nil,     // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}
	return nil
}

// Publish sends event to exchange with event type as routing key
func (p *RabbitMQPublisher) Publish(ctx context.Context, exchange string, event *Event) error {
	return p.PublishWithRouting(ctx, exchange, event.Type, event)
}

// PublishWithRouting sends event with custom routing key
func (p *RabbitMQPublisher) PublishWithRouting(ctx context.Context, exchange, routingKey string, event *Event) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("publisher is closed")
	}
	p.mu.RUnlock()

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.Timestamp,
		ContentType:  "application/json",
		MessageId:    event.ID,
		Type:         event.Type,
		Body:         body,
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	p.pubMu.Lock()
	defer p.pubMu.Unlock()

	err = p.channel.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	// Wait for confirm if enabled
	if p.confirms != nil {
		select {
		case confirm := <-p.confirms:
			if !confirm.Ack {
				return fmt.Errorf("message not acknowledged")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.logger.Debug("event published",
		"event_id", event.ID,
		"type", event.Type,
		"exchange", exchange,
	)

	return nil
}

// Close closes the connection
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true

	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, *Event) error { return nil }

func (NopPublisher) PublishWithRouting(context.Context, string, string, *Event) error { return nil }

func (NopPublisher) Close() error { return nil }

// Consumer interface for event consumption
type Consumer interface {
	Subscribe(queue string, handler EventHandler) error
	Start(ctx context.Context) error
	Stop() error
}

// EventHandler processes events
type EventHandler func(ctx context.Context, event *Event) error

// RabbitMQConsumer implements Consumer for RabbitMQ
type RabbitMQConsumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	logger   *slog.Logger
	handlers map[string]EventHandler

	mu      sync.RWMutex
	running bool
}

// ConsumerConfig for consumer
type ConsumerConfig struct {
	URL           string
	PrefetchCount int
}

// NewRabbitMQConsumer creates new consumer
func NewRabbitMQConsumer(cfg ConsumerConfig, logger *slog.Logger) (*RabbitMQConsumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Set prefetch
	if cfg.PrefetchCount > 0 {
		err = channel.Qos(cfg.PrefetchCount, 0, false)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	if err := declareExchanges(channel); err != nil {
		conn.Close()
		return nil, err
	}

	return &RabbitMQConsumer{
		conn:     conn,
		channel:  channel,
		logger:   logger,
		handlers: make(map[string]EventHandler),
	}, nil
}

// Subscribe registers handler for queue
func (c *RabbitMQConsumer) Subscribe(queue string, handler EventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.declareQueue(queue); err != nil {
		return err
	}

	c.handlers[queue] = handler
	return nil
}

// SubscribeWithBinding declares queue, binds it to exchange with routingKey
// and registers handler for it.
func (c *RabbitMQConsumer) SubscribeWithBinding(queue, exchange, routingKey string, handler EventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.declareQueue(queue); err != nil {
		return err
	}
	if err := c.channel.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s: %w", queue, exchange, err)
	}

	c.handlers[queue] = handler
	return nil
}

func (c *RabbitMQConsumer) declareQueue(queue string) error {
	_, err := c.channel.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	return nil
}

// Start begins consuming messages
func (c *RabbitMQConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()

	for queue, handler := range c.handlers {
		msgs, err := c.channel.Consume(
			queue,
			"",    // consumer tag
			false, // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,   // args
		)
		if err != nil {
			return fmt.Errorf("failed to consume from %s: %w", queue, err)
		}

		go c.processMessages(ctx, queue, handler, msgs)
	}

	return nil
}

func (c *RabbitMQConsumer) processMessages(ctx context.Context, queue string, handler EventHandler, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("channel closed", "queue", queue)
				return
			}
			handleDelivery(ctx, c.logger, queue, handler, msg)
		}
	}
}

// acknowledger is the subset of amqp.Delivery used to settle a message.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
	Reject(requeue bool) error
}

type delivery interface {
	acknowledger
	body() []byte
}

type amqpDelivery struct{ amqp.Delivery }

func (d amqpDelivery) body() []byte { return d.Body }

func handleDelivery(ctx context.Context, logger *slog.Logger, queue string, handler EventHandler, msg amqp.Delivery) {
	settle(ctx, logger, queue, handler, amqpDelivery{msg})
}

func settle(ctx context.Context, logger *slog.Logger, queue string, handler EventHandler, msg delivery) {
	var event Event
	if err := json.Unmarshal(msg.body(), &event); err != nil {
		logger.Error("failed to unmarshal event",
			"queue", queue,
			"error", err,
		)
		msg.Reject(false) // don't requeue malformed messages
		return
	}

	if err := handler(ctx, &event); err != nil {
		if IsPermanent(err) {
			logger.Error("dropping event",
				"queue", queue,
				"event_id", event.ID,
				"error", err,
			)
			msg.Reject(false)
			return
		}
		logger.Error("failed to process event",
			"queue", queue,
			"event_id", event.ID,
			"error", err,
		)
		msg.Nack(false, true) // requeue
		return
	}

	msg.Ack(false)
}

// Stop stops the consumer
func (c *RabbitMQConsumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.running = false

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// permanentError marks a handler failure that redelivery cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }

func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the consumer rejects the message instead of requeueing it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
