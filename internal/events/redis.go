package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Publisher is the subset of the Redis client the publisher needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) (int64, error)
}

// RedisPublisher publishes every event as JSON on a Redis channel. Events
// are handed to a background worker so a slow Redis never delays a request.
type RedisPublisher struct {
	client  Publisher
	channel string
	queue   *queue[Event]
	timeout time.Duration
	logger  *zap.Logger
}

func NewRedisPublisher(client Publisher, channel string, bufferSize int, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &RedisPublisher{
		client:  client,
		channel: channel,
		queue:   newQueue[Event](bufferSize),
		timeout: 2 * time.Second,
		logger:  logger,
	}
	go p.run()
	return p
}

func (p *RedisPublisher) Emit(e Event) {
	p.queue.push(e)
}

func (p *RedisPublisher) run() {
	defer close(p.queue.done)

	for e := range p.queue.ch {
		payload, err := json.Marshal(e)
		if err != nil {
			p.logger.Error("failed to encode event", zap.Error(err))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		_, err = p.client.Publish(ctx, p.channel, payload)
		cancel()
		if err != nil {
			p.logger.Warn("failed to publish event",
				zap.String("channel", p.channel),
				zap.String("request_id", e.RequestID),
				zap.Error(err))
		}
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (p *RedisPublisher) Dropped() uint64 {
	return p.queue.dropped.Load()
}

// Close publishes what is buffered and stops the worker.
func (p *RedisPublisher) Close() error {
	p.queue.close()
	return nil
}
