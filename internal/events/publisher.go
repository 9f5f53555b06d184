// Package events publishes domain events to RabbitMQ. A publish returns once
// the broker has confirmed the message, which is the hand-off guarantee the
// order workflow relies on. Delivery to consumers is at-least-once.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var (
	ErrNacked         = errors.New("message was nacked by broker")
	ErrConfirmTimeout = errors.New("broker confirmation timed out")
	ErrClosed         = errors.New("publisher is closed")
)

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Publisher struct {
	ch       Channel
	exchange string
	timeout  time.Duration
	confirms chan amqp.Confirmation
	log      *zap.SugaredLogger

	// publishMu pairs each publish with its confirmation; confirms arrive
	// in publish order on a single channel.
	publishMu sync.Mutex
	broken    bool
	shutdown  bool
	reopen    func() (Channel, error)
	conn      *amqp.Connection
}

// Dial connects to the broker and prepares a confirm-mode publisher. A
// channel that breaks is replaced from the same connection on the next
// publish.
func Dial(url, exchange string, timeout time.Duration, log *zap.SugaredLogger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	p, err := New(ch, exchange, timeout, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	p.reopen = func() (Channel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	return p, nil
}

// New declares exchange as a durable topic exchange on ch and switches the
// channel into confirm mode.
func New(ch Channel, exchange string, timeout time.Duration, log *zap.SugaredLogger) (*Publisher, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("confirm timeout must be positive")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	p := &Publisher{exchange: exchange, timeout: timeout, log: log}
	if err := p.attach(ch); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) attach(ch Channel) error {
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("confirm mode: %w", err)
	}
	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.broken = false
	return nil
}

// usable makes sure a healthy channel is attached. Callers hold publishMu.
func (p *Publisher) usable() error {
	if p.shutdown {
		return ErrClosed
	}
	if !p.broken {
		return nil
	}
	if p.reopen == nil {
		return ErrClosed
	}
	ch, err := p.reopen()
	if err != nil {
		return fmt.Errorf("reopen channel: %w", err)
	}
	if err := p.attach(ch); err != nil {
		_ = ch.Close()
		return err
	}
	p.log.Infow("amqp_channel_reopened", "exchange", p.exchange)
	return nil
}

func (p *Publisher) markBroken() {
	p.broken = true
	_ = p.ch.Close()
}

// Publish sends event as persistent JSON with the topic as routing key and
// waits for the broker's confirmation. key becomes the message id.
func (p *Publisher) Publish(ctx context.Context, topic, key string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}

	p.publishMu.Lock()
	defer p.publishMu.Unlock()
	if err := p.usable(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    key,
		Timestamp:    time.Now().UTC(),
		Type:         topic,
		Body:         body,
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, topic, false, false, msg); err != nil {
		p.markBroken()
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	select {
	case c, ok := <-p.confirms:
		if !ok {
			p.markBroken()
			return fmt.Errorf("publish %s: %w", topic, ErrClosed)
		}
		if !c.Ack {
			return fmt.Errorf("publish %s tag %d: %w", topic, c.DeliveryTag, ErrNacked)
		}
		p.log.Debugw("event_published", "topic", topic, "key", key, "tag", c.DeliveryTag)
		return nil
	case <-ctx.Done():
		// a late confirmation would be paired with the next publish, so the
		// channel is replaced
		p.markBroken()
		return fmt.Errorf("publish %s: %w", topic, ErrConfirmTimeout)
	}
}

func (p *Publisher) Close() error {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()
	if p.shutdown {
		return nil
	}
	p.shutdown = true
	var errs []error
	if !p.broken {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
