package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePreservesOrderPerAccount(t *testing.T) {
	qs := newQueues(context.Background(), 4)
	var mu sync.Mutex
	var got []int

	var last <-chan struct{}
	for i := 0; i < 10; i++ {
		i := i
		done, err := qs.enqueue(context.Background(), "acct-1", func(ctx context.Context) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
		require.NoError(t, err)
		last = done
	}
	<-last
	qs.close()

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestQueueAccountsRunInParallel(t *testing.T) {
	qs := newQueues(context.Background(), 1)
	defer qs.close()
	block := make(chan struct{})

	_, err := qs.enqueue(context.Background(), "slow", func(ctx context.Context) { <-block })
	require.NoError(t, err)
	done, err := qs.enqueue(context.Background(), "fast", func(ctx context.Context) {})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("fast account blocked by slow account")
	}
	close(block)
}

func TestQueueCloseDrainsAndRejects(t *testing.T) {
	qs := newQueues(context.Background(), 8)
	ran := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		_, err := qs.enqueue(context.Background(), "acct-1", func(ctx context.Context) {
			time.Sleep(5 * time.Millisecond)
			ran <- struct{}{}
		})
		require.NoError(t, err)
	}
	qs.close()
	assert.Len(t, ran, 3)

	_, err := qs.enqueue(context.Background(), "acct-1", func(ctx context.Context) {})
	assert.ErrorIs(t, err, errQueueClosed)
	qs.close()
}

func TestQueueEnqueueHonorsContext(t *testing.T) {
	qs := newQueues(context.Background(), 1)
	block := make(chan struct{})
	defer func() {
		close(block)
		qs.close()
	}()
	_, err := qs.enqueue(context.Background(), "acct-1", func(ctx context.Context) { <-block })
	require.NoError(t, err)
	// worker 可能尚未取走第一个任务，多塞一个保证缓冲已满
	_, _ = qs.enqueue(context.Background(), "acct-1", func(ctx context.Context) {})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = qs.enqueue(ctx, "acct-1", func(ctx context.Context) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
