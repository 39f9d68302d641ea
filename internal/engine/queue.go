package engine

import (
	"context"
	"errors"
	"sync"
)

var errQueueClosed = errors.New("account queue closed")

type job struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// accountQueue 单账户的单写者队列：一个 worker 按入队顺序执行。
type accountQueue struct {
	jobs chan job
}

func (q *accountQueue) work(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for j := range q.jobs {
		j.fn(ctx)
		close(j.done)
	}
}

// queues 按账户懒创建队列。关闭后已入队的任务仍会执行完。
type queues struct {
	mu     sync.RWMutex
	ctx    context.Context
	size   int
	byAcct map[string]*accountQueue
	closed bool
	wg     sync.WaitGroup
}

// newQueues ctx 传给每个任务，不应随单个 run 的停止而取消。
func newQueues(ctx context.Context, size int) *queues {
	if size <= 0 {
		size = 64
	}
	return &queues{ctx: ctx, size: size, byAcct: make(map[string]*accountQueue)}
}

func (qs *queues) get(account string) (*accountQueue, error) {
	qs.mu.RLock()
	q, ok := qs.byAcct[account]
	closed := qs.closed
	qs.mu.RUnlock()
	if closed {
		return nil, errQueueClosed
	}
	if ok {
		return q, nil
	}

	qs.mu.Lock()
	defer qs.mu.Unlock()
	if qs.closed {
		return nil, errQueueClosed
	}
	if q, ok = qs.byAcct[account]; ok {
		return q, nil
	}
	q = &accountQueue{jobs: make(chan job, qs.size)}
	qs.byAcct[account] = q
	qs.wg.Add(1)
	go q.work(qs.ctx, &qs.wg)
	return q, nil
}

// enqueue 把 fn 排入账户队列，返回完成信号。队列满时阻塞直到 ctx 结束。
func (qs *queues) enqueue(ctx context.Context, account string, fn func(ctx context.Context)) (<-chan struct{}, error) {
	q, err := qs.get(account)
	if err != nil {
		return nil, err
	}
	j := job{fn: fn, done: make(chan struct{})}

	qs.mu.RLock()
	defer qs.mu.RUnlock()
	if qs.closed {
		return nil, errQueueClosed
	}
	select {
	case q.jobs <- j:
		return j.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// close 停止接收新任务并等待所有 worker 执行完已入队的任务。
func (qs *queues) close() {
	qs.mu.Lock()
	if !qs.closed {
		qs.closed = true
		for _, q := range qs.byAcct {
			close(q.jobs)
		}
	}
	qs.mu.Unlock()
	qs.wg.Wait()
}
