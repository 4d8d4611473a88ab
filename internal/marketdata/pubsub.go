package marketdata

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Aidin1998/quotefeed/pkg/errors"
)

// ErrPubSubClosed is returned by a closed in-memory backend.
var ErrPubSubClosed = errors.New("pubsub closed")

// PubSubBackend abstracts pub/sub for Redis and Kafka
// Use Redis for low-latency, Kafka for persistence/scalability
type PubSubBackend interface {
	Publish(ctx context.Context, channel string, msg interface{}) error
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// RedisPubSub implements PubSubBackend using Redis
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisPubSub(addr, password string, db int, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		logger: logger.Named("redis"),
	}
}

// Ping checks the connection.
func (r *RedisPubSub) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisPubSub) Publish(ctx context.Context, channel string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, data).Err()
}

func (r *RedisPubSub) Close() error {
	return r.client.Close()
}

// KafkaPubSub implements PubSubBackend using Kafka. All channels share one topic;
// the channel name is the message key.
type KafkaPubSub struct {
	brokers []string
	writer  *kafka.Writer
	logger  *zap.Logger
}

func NewKafkaPubSub(brokers []string, topic string, logger *zap.Logger) *KafkaPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPubSub{
		brokers: brokers,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
		logger: logger.Named("kafka"),
	}
}

func (k *KafkaPubSub) Publish(ctx context.Context, channel string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(channel), Value: data})
}

// Ping dials the first broker.
func (k *KafkaPubSub) Ping(ctx context.Context) error {
	if len(k.brokers) == 0 {
		return errors.ConnectionError.Explain("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", k.brokers[0])
	if err != nil {
		return errors.ConnectionError.Wrap(err)
	}
	return conn.Close()
}

func (k *KafkaPubSub) Close() error {
	return k.writer.Close()
}

// MemoryPubSub is an in-process PubSubBackend with buffered, non-blocking fan-out.
type MemoryPubSub struct {
	buffer int

	mu          sync.Mutex
	subscribers map[string][]chan []byte
	closed      bool
	wg          sync.WaitGroup
}

func NewMemoryPubSub(buffer int) *MemoryPubSub {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryPubSub{
		buffer:      buffer,
		subscribers: make(map[string][]chan []byte),
	}
}

// Publish sends to every subscriber of channel; a full subscriber misses the message.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrPubSubClosed
	}
	for _, ch := range m.subscribers[channel] {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Ping fails once the backend is closed.
func (m *MemoryPubSub) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrPubSubClosed
	}
	return nil
}

// Subscribe delivers messages published on channel to handler until ctx is done
// or the backend closes.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	ch := make(chan []byte, m.buffer)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrPubSubClosed
	}
	m.subscribers[channel] = append(m.subscribers[channel], ch)
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-ch:
				if !ok {
					return
				}
				handler(data)
			}
		}
	}()
	return nil
}

func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, subs := range m.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	m.subscribers = nil
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}
