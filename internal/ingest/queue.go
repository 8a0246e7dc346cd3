// Package ingest 从消息队列消费 JSON 事件，交给插件宿主处理，
// 并将处理后的事件投递到输出队列。
package ingest

import (
	"context"
)

// Handler 处理来自消息队列的一条事件消息。返回错误时队列实现会重新投递该消息。
type Handler func(ctx context.Context, payload []byte) error

// Producer 负责向队列投递消息。
type Producer interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Consumer 负责从队列中消费消息。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
