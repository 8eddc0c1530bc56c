// Package bufpool implements a sharded free list of reusable byte buffers
// for the broker's frame hot path.
package bufpool

import (
	"runtime"
	"sync"
)

// MaxBuf is the capacity every pooled buffer is guaranteed to have, and the
// largest frame (header + payload) the broker will ever build or parse.
const MaxBuf = 8192

// PoolSize is the maximum number of buffers a single shard retains.
const PoolSize = 200

// Pool is a sharded free list of byte buffers. Sharding (one lock per shard)
// keeps unrelated connections from contending on the same mutex; a buffer's
// shard is chosen by id mod len(shards), where id is typically a session or
// slave id.
type Pool struct {
	shards []*shard
}

type shard struct {
	mu   sync.Mutex
	free [][]byte
}

// New builds a Pool with numShards shards, each holding up to PoolSize
// buffers. numShards <= 0 falls back to GOMAXPROCS.
func New(numShards int) *Pool {
	if numShards <= 0 {
		numShards = runtime.GOMAXPROCS(0)
	}
	if numShards < 1 {
		numShards = 1
	}
	shards := make([]*shard, numShards)
	for i := range shards {
		shards[i] = &shard{}
	}
	return &Pool{shards: shards}
}

// Acquire returns a buffer with capacity >= MaxBuf and length 0. It never
// blocks and never fails: an empty or undersized shard just means a fresh
// allocation.
func (p *Pool) Acquire(id uint32) []byte {
	s := p.shards[int(id)%len(p.shards)]

	s.mu.Lock()
	n := len(s.free)
	if n == 0 {
		s.mu.Unlock()
		return make([]byte, 0, MaxBuf)
	}
	buf := s.free[n-1]
	s.free[n-1] = nil
	s.free = s.free[:n-1]
	s.mu.Unlock()

	if cap(buf) < MaxBuf {
		return make([]byte, 0, MaxBuf)
	}
	return buf[:0]
}

// Release returns buf to the shard for id. If the shard is already at
// PoolSize the buffer is dropped (left for the garbage collector); Release
// never blocks the caller on anything but its own shard's short critical
// section.
func (p *Pool) Release(id uint32, buf []byte) {
	s := p.shards[int(id)%len(p.shards)]
	buf = buf[:0]

	s.mu.Lock()
	if len(s.free) < PoolSize {
		s.free = append(s.free, buf)
	}
	s.mu.Unlock()
}
