package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/campaign-worker/internal/worker/domain"
	"github.com/cuongbtq/campaign-worker/shared/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBroker struct {
	mu         sync.Mutex
	connectErr error
	monitorErr error
	handler    rabbitmq.DeliveryHandler
	subscribed chan struct{}
	closed     bool
}

func newStubBroker() *stubBroker {
	return &stubBroker{subscribed: make(chan struct{})}
}

func (b *stubBroker) Connect(context.Context) error {
	return b.connectErr
}

func (b *stubBroker) Subscribe(_ context.Context, handler rabbitmq.DeliveryHandler) error {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
	close(b.subscribed)
	return nil
}

func (b *stubBroker) Monitor(ctx context.Context, _ time.Duration) error {
	if b.monitorErr != nil {
		return b.monitorErr
	}
	<-ctx.Done()
	return nil
}

func (b *stubBroker) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func newTestWorker(b *stubBroker, publisher ResultPublisher) *Worker {
	return NewWorker(&Config{
		Logger:              discardLogger(),
		Metrics:             NewMetrics(prometheus.NewRegistry()),
		Broker:              b,
		Delegator:           &fakeDelegator{result: domain.GenerationResult{GeneratedText: "t", ImagePath: "i"}},
		Publisher:           publisher,
		WorkerID:            "worker-test",
		HealthCheckInterval: time.Second,
	})
}

func TestWorker_Start_ConnectFailureIsFatal(t *testing.T) {
	b := newStubBroker()
	b.connectErr = amqp.ErrCredentials
	w := newTestWorker(b, &fakeResultPublisher{})

	err := w.Start(testContext(t))

	require.Error(t, err)
	assert.ErrorIs(t, err, amqp.ErrCredentials)
}

func TestWorker_Start_StopsOnContextCancel(t *testing.T) {
	b := newStubBroker()
	w := newTestWorker(b, &fakeResultPublisher{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	<-b.subscribed
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	require.NoError(t, w.Stop(context.Background()))
	assert.True(t, b.closed)
}

func TestWorker_Start_MonitorFailure(t *testing.T) {
	b := newStubBroker()
	b.monitorErr = errors.New("reconnect exhausted")
	w := newTestWorker(b, &fakeResultPublisher{})

	err := w.Start(testContext(t))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconnect exhausted")
}

func TestWorker_Start_SerializationFailureStopsWorker(t *testing.T) {
	b := newStubBroker()
	w := newTestWorker(b, &fakeResultPublisher{err: domain.ErrSerialization})

	done := make(chan error, 1)
	go func() { done <- w.Start(testContext(t)) }()

	<-b.subscribed
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()

	ack := &fakeAcknowledger{}
	handler(context.Background(), delivery(`{"campaignId":"c1","prompt":"p1"}`, ack))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrSerialization)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not report fatal error")
	}
	assert.Equal(t, 1, ack.acks)
}
