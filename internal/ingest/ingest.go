// Package ingest consumes worker reports from RabbitMQ and hands them to
// the recorder.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Volpestyle/career-agent-sub001/internal/events"
	"github.com/Volpestyle/career-agent-sub001/internal/recorder"
)

// ErrMalformed marks a message that can never be processed.
var ErrMalformed = errors.New("ingest: malformed message")

const (
	KindClaim = "claim"
	KindLog   = "log"
	KindJobs  = "jobs"
)

const (
	DefaultExchange   = "career-agent"
	DefaultQueue      = "career-agent.ingest"
	DefaultRoutingKey = "sessions.#"
	prefetch          = 16
)

type Config struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
	Queue    string `json:"queue" yaml:"queue"`
}

// Message is the JSON envelope workers publish.
type Message struct {
	Kind       string             `json:"kind"`
	SessionID  string             `json:"sessionId"`
	OwnerID    string             `json:"ownerId,omitempty"`
	Query      string             `json:"query,omitempty"`
	Log        *events.ActionLog  `json:"log,omitempty"`
	Jobs       []events.JobResult `json:"jobs,omitempty"`
	TotalFound int                `json:"totalFound,omitempty"`
}

type Recorder interface {
	ClaimSession(ctx context.Context, sessionID, ownerID, query string) error
	RecordLog(ctx context.Context, l events.ActionLog) (events.ActionLog, error)
	RecordJobs(ctx context.Context, ownerID, sessionID string, jobs []events.JobResult, totalFound int) error
}

// Dispatcher decodes envelopes and routes them to a Recorder.
type Dispatcher struct {
	rec Recorder
}

func NewDispatcher(rec Recorder) *Dispatcher {
	return &Dispatcher{rec: rec}
}

// Handle processes one message body. Errors wrapping ErrMalformed or
// recorder.ErrInvalid will fail again on retry.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) error {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.SessionID == "" {
		return fmt.Errorf("%w: missing sessionId", ErrMalformed)
	}

	switch msg.Kind {
	case KindClaim:
		return d.rec.ClaimSession(ctx, msg.SessionID, msg.OwnerID, msg.Query)
	case KindLog:
		if msg.Log == nil {
			return fmt.Errorf("%w: log message without log", ErrMalformed)
		}
		l := *msg.Log
		if l.SessionID == "" {
			l.SessionID = msg.SessionID
		}
		if l.SessionID != msg.SessionID {
			return fmt.Errorf("%w: log belongs to session %s", ErrMalformed, l.SessionID)
		}
		_, err := d.rec.RecordLog(ctx, l)
		return err
	case KindJobs:
		return d.rec.RecordJobs(ctx, msg.OwnerID, msg.SessionID, msg.Jobs, msg.TotalFound)
	}
	return fmt.Errorf("%w: unknown kind %q", ErrMalformed, msg.Kind)
}

// permanent reports whether redelivering the message cannot help.
func permanent(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, recorder.ErrInvalid)
}

// Consumer reads envelopes from a durable queue bound to a topic exchange.
type Consumer struct {
	cfg        Config
	conn       *amqp.Connection
	channel    *amqp.Channel
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// Dial connects to the broker and declares the exchange, queue and binding.
func Dial(cfg Config, rec Recorder, logger *slog.Logger) (*Consumer, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"topic", // type
		true,    // durable
		false,   // auto-delete
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, DefaultRoutingKey, cfg.Exchange, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	return &Consumer{
		cfg:        cfg,
		conn:       conn,
		channel:    ch,
		dispatcher: NewDispatcher(rec),
		logger:     logger,
	}, nil
}

// Run consumes until ctx is cancelled or the server closes the channel.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.channel.ConsumeWithContext(ctx,
		c.cfg.Queue,
		"",    // consumer
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.logger.Info("ingest: consuming", "queue", c.cfg.Queue, "exchange", c.cfg.Exchange)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("ingest: delivery channel closed")
			}
			c.settle(d, c.dispatcher.Handle(ctx, d.Body))
		}
	}
}

func (c *Consumer) settle(d amqp.Delivery, err error) {
	switch {
	case err == nil:
		_ = d.Ack(false)
	case permanent(err):
		c.logger.Warn("ingest: dropping message", "routingKey", d.RoutingKey, "err", err)
		_ = d.Nack(false, false)
	default:
		c.logger.Warn("ingest: requeueing message", "routingKey", d.RoutingKey, "err", err)
		_ = d.Nack(false, true)
	}
}

func (c *Consumer) Close() error {
	c.channel.Close()
	return c.conn.Close()
}
