package agpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBarrier(t *testing.T) {

	p := New(context.Background(), 4)
	defer p.Close()

	var first, second int64
	var violated int32

	err := p.Run(func(ctx context.Context, agno uint32) error {
		atomic.AddInt64(&first, 1)
		return nil
	}, 16)
	assert.NoError(t, err)

	err = p.Run(func(ctx context.Context, agno uint32) error {
		if atomic.LoadInt64(&first) != 16 {
			atomic.StoreInt32(&violated, 1)
		}
		atomic.AddInt64(&second, 1)
		return nil
	}, 16)
	assert.NoError(t, err)

	assert.Equal(t, int64(16), second)
	assert.Equal(t, int32(0), violated)

}

func TestEveryAGOnce(t *testing.T) {

	p := New(context.Background(), 3)
	defer p.Close()

	var lock sync.Mutex
	seen := make(map[uint32]int)

	assert.NoError(t, p.Run(func(ctx context.Context, agno uint32) error {
		lock.Lock()
		seen[agno]++
		lock.Unlock()
		return nil
	}, 10))

	assert.Len(t, seen, 10)
	for agno, n := range seen {
		assert.Equal(t, 1, n, "ag %d", agno)
	}

}

func TestFirstErrorReported(t *testing.T) {

	p := New(context.Background(), 1)
	defer p.Close()

	boom := errors.New("boom")
	var ran int32

	err := p.Run(func(ctx context.Context, agno uint32) error {
		atomic.AddInt32(&ran, 1)
		if agno == 0 {
			return boom
		}
		return nil
	}, 5)

	assert.Equal(t, boom, err)
	assert.Equal(t, int32(1), ran)

	assert.NoError(t, p.Run(func(ctx context.Context, agno uint32) error { return nil }, 2))

}

func TestCancelledContext(t *testing.T) {

	ctx, cancel := context.WithCancel(context.Background())
	p := New(ctx, 2)
	defer p.Close()

	cancel()
	err := p.Run(func(ctx context.Context, agno uint32) error { return nil }, 3)
	assert.Equal(t, context.Canceled, err)

}
