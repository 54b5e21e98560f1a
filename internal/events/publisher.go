// README: Domain event publisher; Kafka via sarama, or a no-op when no brokers are configured.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

const (
	BidPlaced           = "bid.placed"
	ContractAwarded     = "contract.awarded"
	ContractExpired     = "contract.expired"
	OrderCreated        = "order.created"
	OrderStatusChanged  = "order.status_changed"
	DeliveryAssigned    = "delivery.assigned"
	SubscriptionChanged = "subscription.changed"
	FarmerVerified      = "farmer.verified"
)

type Event struct {
	Type       string    `json:"type"`
	Key        string    `json:"key"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher delivers events best-effort; callers never fail an operation on a publish error.
type Publisher interface {
	Publish(ctx context.Context, eventType, key string, payload any)
	Close() error
}

const (
	defaultQueueSize    = 1024
	defaultCloseTimeout = 5 * time.Second
)

// KafkaPublisher hands events to a sarama async producer through a bounded queue. Publish never
// waits on the broker: when the queue is full the event is dropped and counted.
type KafkaPublisher struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *zap.Logger

	queue        chan *sarama.ProducerMessage
	abort        chan struct{}
	closeTimeout time.Duration
	dropped      atomic.Int64

	mu         sync.RWMutex
	closed     bool
	forwarding sync.WaitGroup
	draining   sync.WaitGroup
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 500 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Timeout = 5 * time.Second

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, topic, logger), nil
}

func NewKafkaPublisherWithProducer(producer sarama.AsyncProducer, topic string, logger *zap.Logger) *KafkaPublisher {
	return newKafkaPublisher(producer, topic, logger, defaultQueueSize)
}

func newKafkaPublisher(producer sarama.AsyncProducer, topic string, logger *zap.Logger, queueSize int) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &KafkaPublisher{
		producer:     producer,
		topic:        topic,
		logger:       logger,
		queue:        make(chan *sarama.ProducerMessage, queueSize),
		abort:        make(chan struct{}),
		closeTimeout: defaultCloseTimeout,
	}
	p.forwarding.Add(1)
	go p.forward()
	p.draining.Add(2)
	go p.drainErrors()
	go p.drainSuccesses()
	return p
}

func (p *KafkaPublisher) Publish(_ context.Context, eventType, key string, payload any) {
	b, err := json.Marshal(Event{Type: eventType, Key: key, Payload: payload, OccurredAt: time.Now().UTC()})
	if err != nil {
		p.logger.Warn("encode event", zap.String("type", eventType), zap.Error(err))
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(b),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(eventType)},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn("publish after close", zap.String("type", eventType), zap.String("key", key))
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.dropped.Add(1)
		p.logger.Warn("event queue full, dropping event", zap.String("type", eventType), zap.String("key", key))
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (p *KafkaPublisher) Dropped() int64 {
	return p.dropped.Load()
}

func (p *KafkaPublisher) forward() {
	defer p.forwarding.Done()
	for msg := range p.queue {
		select {
		case p.producer.Input() <- msg:
		case <-p.abort:
			p.dropped.Add(1)
		}
	}
}

func (p *KafkaPublisher) drainErrors() {
	defer p.draining.Done()
	for perr := range p.producer.Errors() {
		fields := []zap.Field{zap.Error(perr.Err)}
		if perr.Msg != nil {
			fields = append(fields, zap.String("topic", perr.Msg.Topic), zap.Any("key", perr.Msg.Key))
		}
		p.logger.Warn("publish event failed", fields...)
	}
}

func (p *KafkaPublisher) drainSuccesses() {
	defer p.draining.Done()
	for msg := range p.producer.Successes() {
		p.logger.Debug("event published",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset))
	}
}

// Close flushes queued events for up to closeTimeout, then closes the producer. Events still queued
// after the timeout are dropped.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	flushed := make(chan struct{})
	go func() {
		p.forwarding.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(p.closeTimeout):
		close(p.abort)
		<-flushed
		p.logger.Warn("event flush timed out", zap.Int64("dropped", p.Dropped()))
	}

	err := p.producer.Close()
	p.draining.Wait()
	return err
}

type Nop struct{}

func (Nop) Publish(context.Context, string, string, any) {}

func (Nop) Close() error { return nil }
