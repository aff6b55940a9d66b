package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned when an operation needs a live channel and the
// manager has none
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// ErrManagerClosed is returned by a reconnect that finished after Close
var ErrManagerClosed = errors.New("rabbitmq manager is closed")

// Channel is the subset of *amqp.Channel the manager uses
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp.Connection the manager uses
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection
type Dialer func(ctx context.Context, url string) (Connection, error)

// amqpConnection adapts *amqp.Connection to Connection
type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

// AMQPDialer returns a Dialer backed by amqp.DialConfig
func AMQPDialer(heartbeat, dialTimeout time.Duration) Dialer {
	return func(_ context.Context, url string) (Connection, error) {
		cfg := amqp.Config{
			Heartbeat: heartbeat,
			Locale:    "en_US",
		}
		if dialTimeout > 0 {
			cfg.Dial = amqp.DefaultDial(dialTimeout)
		}

		conn, err := amqp.DialConfig(url, cfg)
		if err != nil {
			return nil, err
		}
		return &amqpConnection{conn: conn}, nil
	}
}

// connectionState holds everything that belongs to one live connection.
// It is replaced as a whole on reconnect and never mutated once installed.
type connectionState struct {
	conn       Connection
	channel    Channel
	inbound    amqp.Queue
	outbound   amqp.Queue
	deliveries <-chan amqp.Delivery
}

func (s *connectionState) close() error {
	var errs []error

	if s.channel != nil && !s.channel.IsClosed() {
		if err := s.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}

	if s.conn != nil && !s.conn.IsClosed() {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	return errors.Join(errs...)
}

// IsAuthError reports whether err is an authentication or access refusal
func IsAuthError(err error) bool {
	if errors.Is(err, amqp.ErrCredentials) || errors.Is(err, amqp.ErrSASL) {
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.AccessRefused
	}

	return false
}
