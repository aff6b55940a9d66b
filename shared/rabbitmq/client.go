package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/campaign-worker/shared/retry"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	URL               string
	InboundQueue      string
	OutboundQueue     string
	PrefetchCount     int
	ConsumerTag       string
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration
	ConnectRetry      retry.Options
}

// State describes where the manager is in its connection lifecycle
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// DeliveryHandler processes one inbound delivery. It owns acknowledgment.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// Manager owns the broker connection, the declared queues and the consumer
// subscription, and is the single place where reconnects happen
type Manager struct {
	config        *Config
	logger        *slog.Logger
	dial          Dialer
	connectPolicy *retry.Policy

	mu      sync.RWMutex
	state   *connectionState
	status  State
	handler DeliveryHandler
	closing bool

	reconnectMu sync.Mutex
	inflight    sync.WaitGroup
}

// NewManager creates a Manager. A nil dial uses AMQPDialer.
func NewManager(config *Config, logger *slog.Logger, dial Dialer) *Manager {
	if dial == nil {
		dial = AMQPDialer(config.Heartbeat, config.ConnectionTimeout)
	}
	if config.ConsumerTag == "" {
		config.ConsumerTag = "campaign-worker-" + uuid.NewString()
	}
	if config.PrefetchCount <= 0 {
		config.PrefetchCount = 1
	}

	opts := config.ConnectRetry
	opts.ShouldRetry = func(err error, _ int) bool {
		return !IsAuthError(err)
	}

	return &Manager{
		config:        config,
		logger:        logger,
		dial:          dial,
		connectPolicy: retry.New(opts, logger),
		status:        StateDisconnected,
	}
}

// Connect dials the broker with retry and declares both queues. Credential
// and access-refused errors are not retried.
func (m *Manager) Connect(ctx context.Context) error {
	return m.connect(ctx, StateConnecting, nil)
}

// connect runs open, plus consume when handler is set, as a single retried
// attempt. A state that arrives after Close is closed instead of installed.
func (m *Manager) connect(ctx context.Context, during State, handler DeliveryHandler) error {
	m.setStatus(during)

	state, err := retry.Execute(ctx, m.connectPolicy, "Connecting to RabbitMQ",
		func(ctx context.Context) (*connectionState, error) {
			state, err := m.open(ctx)
			if err != nil {
				return nil, err
			}
			if handler == nil {
				return state, nil
			}

			deliveries, err := m.consume(state)
			if err != nil {
				state.close()
				return nil, err
			}
			state.deliveries = deliveries
			return state, nil
		})
	if err != nil {
		m.setStatus(StateDisconnected)
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		if err := state.close(); err != nil {
			m.logger.Debug("Ignoring error while closing late connection",
				slog.Any("error", err),
			)
		}
		return ErrManagerClosed
	}
	m.state = state
	m.status = StateConnected
	m.mu.Unlock()

	m.logger.Info("RabbitMQ connection established",
		slog.String("inbound_queue", state.inbound.Name),
		slog.String("outbound_queue", state.outbound.Name),
	)

	if state.deliveries != nil {
		go m.dispatch(ctx, state.deliveries, handler)
	}

	return nil
}

// open establishes a connection, a channel and the queue declarations
func (m *Manager) open(ctx context.Context) (*connectionState, error) {
	conn, err := m.dial(ctx, m.config.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	inbound, outbound, err := m.declare(ch)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &connectionState{
		conn:     conn,
		channel:  ch,
		inbound:  inbound,
		outbound: outbound,
	}, nil
}

// DeclareQueues re-declares the inbound and outbound queues on the live channel
func (m *Manager) DeclareQueues(ctx context.Context) error {
	current := m.current()
	if current == nil {
		return ErrNotConnected
	}

	inbound, outbound, err := m.declare(current.channel)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state == current {
		m.state = &connectionState{
			conn:     current.conn,
			channel:  current.channel,
			inbound:  inbound,
			outbound: outbound,
		}
	}
	m.mu.Unlock()

	return nil
}

func (m *Manager) declare(ch Channel) (amqp.Queue, amqp.Queue, error) {
	inbound, err := ch.QueueDeclare(
		m.config.InboundQueue, // name
		true,                  // durable
		false,                 // auto-delete
		false,                 // exclusive
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return amqp.Queue{}, amqp.Queue{}, fmt.Errorf("failed to declare queue %s: %w", m.config.InboundQueue, err)
	}

	outbound, err := ch.QueueDeclare(
		m.config.OutboundQueue, // name
		true,                   // durable
		false,                  // auto-delete
		false,                  // exclusive
		false,                  // no-wait
		nil,                    // arguments
	)
	if err != nil {
		return amqp.Queue{}, amqp.Queue{}, fmt.Errorf("failed to declare queue %s: %w", m.config.OutboundQueue, err)
	}

	return inbound, outbound, nil
}

// IsHealthy round-trips a temporary exclusive queue through the broker
func (m *Manager) IsHealthy(ctx context.Context) bool {
	current := m.current()
	if current == nil || current.conn.IsClosed() || current.channel.IsClosed() {
		return false
	}

	q, err := current.channel.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		m.logger.Warn("Connection health check failed",
			slog.Any("error", err),
		)
		return false
	}

	if _, err := current.channel.QueueDelete(q.Name, false, false, false); err != nil {
		m.logger.Warn("Connection health check failed",
			slog.Any("error", err),
		)
		return false
	}

	return true
}

// Reconnect tears down the current connection, connects again and restores
// the consumer subscription if one was registered
func (m *Manager) Reconnect(ctx context.Context) error {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()

	m.logger.Warn("Reconnecting to RabbitMQ")

	m.mu.Lock()
	old := m.state
	m.state = nil
	handler := m.handler
	m.mu.Unlock()

	if old != nil {
		if err := old.close(); err != nil {
			m.logger.Debug("Ignoring error while closing stale connection",
				slog.Any("error", err),
			)
		}
	}

	if err := m.connect(ctx, StateReconnecting, handler); err != nil {
		return err
	}

	m.logger.Info("Reconnected to RabbitMQ")
	return nil
}

// Subscribe starts consuming the inbound queue. The handler is remembered so
// that Reconnect can restore the subscription. A failure to start consuming
// triggers a reconnect.
func (m *Manager) Subscribe(ctx context.Context, handler DeliveryHandler) error {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()

	deliveries, err := m.consume(m.current())
	if err != nil {
		m.logger.Error("Failed to start consuming, attempting to reconnect",
			slog.Any("error", err),
		)
		return m.Reconnect(ctx)
	}

	go m.dispatch(ctx, deliveries, handler)

	return nil
}

// consume sets the prefetch window and registers the manual-ack consumer
func (m *Manager) consume(state *connectionState) (<-chan amqp.Delivery, error) {
	if state == nil {
		return nil, ErrNotConnected
	}

	if err := state.channel.Qos(
		m.config.PrefetchCount, // prefetch count
		0,                      // prefetch size
		false,                  // global
	); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := state.channel.Consume(
		state.inbound.Name,   // queue
		m.config.ConsumerTag, // consumer tag
		false,                // auto-ack
		false,                // exclusive
		false,                // no-local
		false,                // no-wait
		nil,                  // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	m.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", state.inbound.Name),
		slog.String("consumer_tag", m.config.ConsumerTag),
		slog.Int("prefetch_count", m.config.PrefetchCount),
	)

	return deliveries, nil
}

// dispatch hands each delivery to its own goroutine. Prefetch bounds how many
// are in flight.
func (m *Manager) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	handlerCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				m.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			m.mu.Lock()
			if m.closing {
				m.mu.Unlock()
				if err := delivery.Nack(false, true); err != nil {
					m.logger.Error("Failed to NACK message on shutdown",
						slog.Any("error", err),
					)
				}
				continue
			}
			m.inflight.Add(1)
			m.mu.Unlock()

			go func(d amqp.Delivery) {
				defer m.inflight.Done()
				handler(handlerCtx, d)
			}(delivery)
		}
	}
}

// Publish sends msg to the default exchange with the given routing key
func (m *Manager) Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	current := m.current()
	if current == nil {
		return ErrNotConnected
	}

	err := current.channel.PublishWithContext(
		ctx,
		"",         // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		msg,
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	m.logger.Debug("Message published to RabbitMQ",
		slog.String("routing_key", routingKey),
		slog.Int("body_size", len(msg.Body)),
	)

	return nil
}

// Monitor probes the connection every interval and reconnects when the probe
// fails. It returns nil when ctx ends or the manager closes, and an error only
// when a reconnect exhausts its retries.
func (m *Manager) Monitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if m.isClosing() || m.IsHealthy(ctx) {
				continue
			}

			m.setStatus(StateDegraded)
			m.logger.Warn("Connection unhealthy, attempting to reconnect...")

			if err := m.Reconnect(ctx); err != nil {
				if ctx.Err() != nil || errors.Is(err, ErrManagerClosed) {
					return nil
				}
				return fmt.Errorf("failed to recover RabbitMQ connection: %w", err)
			}
		}
	}
}

// Close stops the consumer, waits for in-flight handlers until ctx expires,
// and closes the connection
func (m *Manager) Close(ctx context.Context) error {
	m.logger.Info("Closing RabbitMQ connection")

	m.mu.Lock()
	m.closing = true
	current := m.state
	m.mu.Unlock()

	if current != nil && !current.channel.IsClosed() {
		if err := current.channel.Cancel(m.config.ConsumerTag, false); err != nil {
			m.logger.Warn("Failed to cancel RabbitMQ consumer",
				slog.Any("error", err),
			)
		}
	}

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("In-flight messages drained")
	case <-ctx.Done():
		m.logger.Warn("Timed out waiting for in-flight messages")
	}

	m.mu.Lock()
	current = m.state
	m.state = nil
	m.status = StateClosed
	m.mu.Unlock()

	if current == nil {
		return nil
	}

	if err := current.close(); err != nil {
		m.logger.Error("Failed to close RabbitMQ connection",
			slog.Any("error", err),
		)
		return err
	}

	m.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsConnected returns the connection status without a broker round-trip
func (m *Manager) IsConnected() bool {
	current := m.current()
	return current != nil && !current.conn.IsClosed() && m.State() == StateConnected
}

// OutboundQueue returns the name of the result queue
func (m *Manager) OutboundQueue() string {
	return m.config.OutboundQueue
}

func (m *Manager) current() *connectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) isClosing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closing
}

// setStatus never moves the manager out of StateClosed
func (m *Manager) setStatus(s State) {
	m.mu.Lock()
	if m.status != StateClosed {
		m.status = s
	}
	m.mu.Unlock()
}
