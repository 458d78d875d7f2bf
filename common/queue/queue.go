package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/chittyos/evidence-ledger/common/logger"
	"github.com/chittyos/evidence-ledger/common/redis"
)

// ErrClosed is returned when publishing to a closed queue
var ErrClosed = errors.New("queue closed")

// Queue interface for message passing
type Queue interface {
	Publish(ctx context.Context, topic string, key string, message []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Close() error
}

// MessageHandler processes messages
type MessageHandler func(ctx context.Context, key string, value []byte) error

// Message represents a queue message
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// MemoryQueue is an in-process queue for single-binary deployments
type MemoryQueue struct {
	topics map[string]chan *Message
	closed bool
	mu     sync.RWMutex
	log    *logger.Logger
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(log *logger.Logger) *MemoryQueue {
	return &MemoryQueue{
		topics: make(map[string]chan *Message),
		log:    log,
	}
}

func (q *MemoryQueue) topic(name string) chan *Message {
	ch, exists := q.topics[name]
	if !exists {
		ch = make(chan *Message, 1000)
		q.topics[name] = ch
	}
	return ch
}

// Publish publishes a message to a topic. A full topic drops the message.
func (q *MemoryQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	msg := &Message{
		Topic: topic,
		Key:   key,
		Value: message,
	}

	select {
	case q.topic(topic) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		q.log.Warn("queue full, dropping message", "topic", topic, "key", key)
		return nil
	}
}

// Subscribe subscribes to a topic and processes messages
func (q *MemoryQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	ch := q.topic(topic)
	q.mu.Unlock()

	q.log.Debug("subscribing to topic", "topic", topic)

	go func() {
		for {
			select {
			case <-ctx.Done():
				q.log.Debug("subscription cancelled", "topic", topic)
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, msg.Key, msg.Value); err != nil {
					q.log.Error("message handler error", "topic", topic, "key", msg.Key, "error", err)
				}
			}
		}
	}()

	return nil
}

// Close closes the queue
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	for topic, ch := range q.topics {
		close(ch)
		q.log.Debug("closed topic", "topic", topic)
	}

	return nil
}

// RedisQueue fans events out over redis pub/sub. Delivery is best effort:
// subscribers that are not connected miss the message.
type RedisQueue struct {
	client *redis.Client
	log    *logger.Logger

	mu   sync.Mutex
	subs []func() error
}

// NewRedisQueue creates a queue on top of client
func NewRedisQueue(client *redis.Client, log *logger.Logger) *RedisQueue {
	return &RedisQueue{client: client, log: log}
}

// Publish sends message on the topic channel; the key travels in the payload
func (q *RedisQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	return q.client.Publish(ctx, topic, message)
}

// Subscribe delivers every message on topic to handler until ctx ends
func (q *RedisQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	sub := q.client.Subscribe(ctx, topic)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return err
	}

	q.mu.Lock()
	q.subs = append(q.subs, sub.Close)
	q.mu.Unlock()

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, "", []byte(msg.Payload)); err != nil {
					q.log.Error("message handler error", "topic", topic, "error", err)
				}
			}
		}
	}()

	return nil
}

// Close ends all subscriptions
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var errs []error
	for _, closeFn := range q.subs {
		errs = append(errs, closeFn())
	}
	q.subs = nil
	return errors.Join(errs...)
}
