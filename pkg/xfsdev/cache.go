package xfsdev

import (
	"sync"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
)

// cache keeps clean blocks in a cost-bounded ristretto cache. Blocks
// written by a transaction live in an overlay map instead: ristretto
// applies sets asynchronously, so a stale clean copy could otherwise win
// over a fresh write.
type cache struct {
	rc *ristretto.Cache

	lock    sync.RWMutex
	overlay map[uint64][]byte
}

func newCache(maxBytes, blockSize int64) (*cache, error) {

	counters := 10 * maxBytes / blockSize
	if counters < 1024 {
		counters = 1024
	}

	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating buffer cache")
	}

	return &cache{
		rc:      rc,
		overlay: make(map[uint64][]byte),
	}, nil

}

func (c *cache) dirty(fsbno uint64) ([]byte, bool) {
	c.lock.RLock()
	b, ok := c.overlay[fsbno]
	c.lock.RUnlock()
	return b, ok
}

func (c *cache) get(fsbno uint64) ([]byte, bool) {

	if b, ok := c.dirty(fsbno); ok {
		return b, true
	}

	v, ok := c.rc.Get(fsbno)
	if !ok {
		return nil, false
	}

	return v.([]byte), true

}

func (c *cache) put(fsbno uint64, b []byte) {
	c.rc.Set(fsbno, b, int64(len(b)))
}

func (c *cache) write(fsbno uint64, b []byte) {
	c.lock.Lock()
	c.overlay[fsbno] = b
	c.lock.Unlock()
	c.rc.Del(fsbno)
}

func (c *cache) metrics() (hits, misses uint64) {
	if c.rc.Metrics == nil {
		return 0, 0
	}
	return c.rc.Metrics.Hits(), c.rc.Metrics.Misses()
}

func (c *cache) close() {
	c.rc.Close()
}
