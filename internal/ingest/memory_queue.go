package ingest

import (
	"context"
	"log/slog"
	"sync"

	xerrors "OpenPlugin-Server/internal/errors"
	"OpenPlugin-Server/pkg/logger"
)

// MemoryQueue 使用 channel 模拟消息队列，用于单机部署与测试。
type MemoryQueue struct {
	ch     chan []byte
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan []byte, size)}
}

// Publish 将消息投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, payload []byte) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	msg := append([]byte(nil), payload...)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- msg:
		return nil
	}
}

// Consume 启动指定数量的协程消费消息，直到 ctx 取消或队列关闭。处理失败的消息重新入队。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-q.ch:
					if !ok {
						return
					}
					if err := handler(ctx, payload); err != nil {
						q.requeue(payload)
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// requeue 不阻塞地将消息放回队列，队列已满或已关闭时丢弃。
func (q *MemoryQueue) requeue(payload []byte) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		logger.L().Warn("内存队列已关闭，丢弃处理失败的消息", slog.Int("bytes", len(payload)))
		return
	}
	select {
	case q.ch <- payload:
	default:
		logger.L().Warn("内存队列已满，丢弃处理失败的消息", slog.Int("bytes", len(payload)))
	}
}

// Len 返回队列中待消费的消息数。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close 关闭内存队列，已入队的消息仍可被消费。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
