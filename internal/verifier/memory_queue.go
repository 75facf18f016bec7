package verifier

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed 表示队列已关闭。
var ErrQueueClosed = errors.New("队列已关闭")

// MemoryQueue 是单进程队列，承诺与揭示分两条 channel，空闲 worker 优先取承诺。
type MemoryQueue struct {
	commits chan Ticket
	reveals chan Ticket
	mu      sync.RWMutex
	closed  bool
}

// NewMemoryQueue 创建内存队列，size 为每种作业的缓冲容量。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		commits: make(chan Ticket, size),
		reveals: make(chan Ticket, size),
	}
}

func (q *MemoryQueue) lane(t Ticket) chan Ticket {
	if t.Kind == KindCommit {
		return q.commits
	}
	return q.reveals
}

// Publish 按作业类型投递。
func (q *MemoryQueue) Publish(ctx context.Context, ticket Ticket) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.lane(ticket) <- ticket:
		return nil
	}
}

// Consume 启动 worker 直到上下文取消或队列关闭。
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
				ticket, ok := q.next(ctx)
				if !ok {
					return
				}
				_ = handler(ctx, ticket)
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// next 先非阻塞地检查承诺通道，再同时等待两条通道。
func (q *MemoryQueue) next(ctx context.Context) (Ticket, bool) {
	select {
	case t, ok := <-q.commits:
		if ok {
			return t, true
		}
	default:
	}
	select {
	case <-ctx.Done():
		return Ticket{}, false
	case t, ok := <-q.commits:
		return t, ok
	case t, ok := <-q.reveals:
		return t, ok
	}
}

// Length 返回两条通道的积压总数。
func (q *MemoryQueue) Length(context.Context) (int, error) {
	return len(q.commits) + len(q.reveals), nil
}

// Close 关闭队列，之后的 Publish 返回 ErrQueueClosed。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.commits)
		close(q.reveals)
		q.closed = true
	}
	return nil
}
