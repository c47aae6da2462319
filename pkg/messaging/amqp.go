// Package messaging publishes identity events (binding decisions,
// increment summaries, finalized sessions) to AMQP. Publishing is best
// effort: the engine never fails a request because an event could not be
// delivered.
package messaging

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"speakerid-server/pkg/metrics"
)

// Event types emitted by the engine.
const (
	EventSpeakerBound       = "speaker.bound"
	EventIncrementProcessed = "increment.processed"
	EventSessionFinalized   = "session.finalized"
)

// Event is one published identity event.
type Event struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Publisher delivers identity events.
type Publisher interface {
	Publish(event Event) error
	Close() error
}

// NoopPublisher drops every event. Used when AMQP is not configured.
type NoopPublisher struct{}

// Publish discards the event.
func (p *NoopPublisher) Publish(Event) error { return nil }

// Close is a no-op.
func (p *NoopPublisher) Close() error { return nil }

// AMQPConfig holds AMQP client configuration
type AMQPConfig struct {
	URL       string
	QueueName string
}

// AMQPPublisher publishes identity events to an AMQP queue.
type AMQPPublisher struct {
	logger    *logrus.Logger
	config    AMQPConfig
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	connMutex sync.Mutex
}

// NewAMQPPublisher creates an AMQP publisher. Connect must be called
// before publishing.
func NewAMQPPublisher(logger *logrus.Logger, config AMQPConfig) *AMQPPublisher {
	return &AMQPPublisher{
		logger: logger,
		config: config,
	}
}

// Connect establishes the connection and declares the queue.
func (p *AMQPPublisher) Connect() error {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if p.connected {
		return nil
	}

	conn, err := amqp.Dial(p.config.URL)
	if err != nil {
		return err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	_, err = channel.QueueDeclare(
		p.config.QueueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return err
	}

	p.conn = conn
	p.channel = channel
	p.connected = true

	p.logger.WithField("queue", p.config.QueueName).Info("Connected to AMQP for identity events")
	return nil
}

// Publish sends one event. Failures are logged and counted, never fatal.
func (p *AMQPPublisher) Publish(event Event) error {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if !p.connected {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	err = p.channel.Publish(
		"", // default exchange
		p.config.QueueName,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.Timestamp,
		},
	)

	status := "ok"
	if err != nil {
		status = "error"
		p.logger.WithError(err).WithFields(logrus.Fields{
			"event":      event.Type,
			"session_id": event.SessionID,
		}).Warn("Failed to publish identity event")
	}
	if metrics.EventsPublished != nil {
		metrics.EventsPublished.WithLabelValues(event.Type, status).Inc()
	}
	return err
}

// Close shuts down the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if !p.connected {
		return nil
	}
	p.connected = false

	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
