package announce

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/store"
)

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type dialFunc func(url string) (amqpChannel, io.Closer, error)

func dialAMQP(url string) (amqpChannel, io.Closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return ch, conn, nil
}

// Announcement is the message body on the exchange. The routing key is the
// event type, so consumers bind to ticket.called and ticket.recalled.
type Announcement struct {
	EventID   string        `json:"event_id"`
	Seq       int64         `json:"seq"`
	Type      string        `json:"type"`
	Ticket    models.Ticket `json:"ticket"`
	Actor     *string       `json:"actor,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Publisher keeps one connection and channel open and redials after a failure.
type Publisher struct {
	url      string
	exchange string
	dial     dialFunc
	logger   *slog.Logger

	mu   sync.Mutex
	ch   amqpChannel
	conn io.Closer
}

func NewPublisher(url, exchange string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{url: url, exchange: exchange, dial: dialAMQP, logger: logger.With("component", "amqp")}
}

func (p *Publisher) Name() string { return "amqp" }

func (p *Publisher) Publish(ctx context.Context, event store.OutboxEvent) error {
	ticket, actor, err := store.DecodeEventTicket(event)
	if err != nil {
		return err
	}
	body, err := json.Marshal(Announcement{
		EventID:   event.EventID,
		Seq:       event.Seq,
		Type:      event.Type,
		Ticket:    ticket,
		Actor:     actor,
		CreatedAt: event.CreatedAt,
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channelLocked()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, p.exchange, event.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.EventID,
		Timestamp:    event.CreatedAt,
		Body:         body,
	})
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

func (p *Publisher) channelLocked() (amqpChannel, error) {
	if p.ch != nil {
		return p.ch, nil
	}
	ch, conn, err := p.dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq exchange declare: %w", err)
	}
	p.ch, p.conn = ch, conn
	p.logger.Info("rabbitmq connected", "exchange", p.exchange)
	return ch, nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}
