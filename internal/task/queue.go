package task

import (
	"context"
	"fmt"

	"AgentBounty/internal/config"
)

// Handler 处理从队列取出的一个任务 ID。
type Handler func(ctx context.Context, taskID string) error

// Producer 负责发布待执行的任务 ID。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 将任务 ID 分发给 worker 池，直到 ctx 被取消。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时提供生产与消费能力。
type Queue interface {
	Producer
	Consumer
}

// OpenQueue 根据 cfg.Driver 构造对应的队列实现。
func OpenQueue(ctx context.Context, cfg config.QueueConfig) (Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		q, err := NewRedisQueue(ctx, RedisQueueConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
		if err != nil {
			return nil, err
		}
		return q, nil
	case "rabbitmq":
		q, err := NewRabbitMQQueue(RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  true,
		})
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("不支持的队列类型 %q", cfg.Driver)
	}
}
