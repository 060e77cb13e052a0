package events

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	amqp "github.com/rabbitmq/amqp091-go"
)

var _ Publisher = (*AMQPPublisher)(nil)

// AMQPPublisher publishes events as persistent JSON messages to a durable
// topic exchange.
type AMQPPublisher struct {
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(rawURL, exchange string) (*AMQPPublisher, error) {
	u, err := parseAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(u, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp")
	}

	p := &AMQPPublisher{exchange: exchange, conn: conn}
	if err := p.openChannel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

func parseAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", errors.Wrap(err, "parse amqp url")
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.Errorf("invalid amqp scheme %q", u.Scheme)
	}
	return clean, nil
}

// openChannel must be called with mu held or before p is shared.
func (p *AMQPPublisher) openChannel() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return errors.Wrapf(err, "declare exchange %s", p.exchange)
	}
	p.ch = ch
	return nil
}

// Publish sends ev with the given routing key. A closed channel is reopened
// once before giving up.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, ev ReservationEvent) error {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	ev.Encode(e)

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ReservationID,
		Timestamp:    ev.At,
		Body:         append([]byte(nil), e.Bytes()...),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		if err := p.openChannel(); err != nil {
			return err
		}
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		return errors.Wrapf(err, "publish %s", routingKey)
	}
	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		_ = p.ch.Close()
	}
	return p.conn.Close()
}
