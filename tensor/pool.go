package tensor

import (
	"fmt"
	"math/bits"
	"slices"
	"strings"
	"sync"
)

// BufferPool recycles float32 scratch buffers, bucketed by power-of-two
// capacity
type BufferPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool
	stats map[int]*PoolStats
}

// PoolStats tracks statistics for one bucket
type PoolStats struct {
	Gets     int64
	Puts     int64
	Misses   int64
	InUse    int64
	MaxInUse int64
}

// NewBufferPool creates an empty pool
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// Get returns a buffer of length size. Its contents are unspecified.
func (bp *BufferPool) Get(size int) []float32 {
	bucket := bucketSize(size)

	bp.mu.Lock()
	pool, ok := bp.pools[bucket]
	if !ok {
		pool = &sync.Pool{}
		bp.pools[bucket] = pool
		bp.stats[bucket] = &PoolStats{}
	}
	stats := bp.stats[bucket]
	stats.Gets++
	stats.InUse++
	stats.MaxInUse = max(stats.MaxInUse, stats.InUse)
	bp.mu.Unlock()

	if v, ok := pool.Get().(*[]float32); ok {
		return (*v)[:size]
	}

	bp.mu.Lock()
	stats.Misses++
	bp.mu.Unlock()
	return make([]float32, size, bucket)
}

// Put hands buf back for reuse. Buffers that did not come from Get are ignored.
func (bp *BufferPool) Put(buf []float32) {
	c := cap(buf)
	if c == 0 || c != bucketSize(c) {
		return
	}

	bp.mu.Lock()
	pool, ok := bp.pools[c]
	if ok {
		stats := bp.stats[c]
		stats.Puts++
		stats.InUse--
	}
	bp.mu.Unlock()

	if ok {
		buf = buf[:c]
		pool.Put(&buf)
	}
}

// Stats returns a copy of the per-bucket statistics
func (bp *BufferPool) Stats() map[int]PoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	out := make(map[int]PoolStats, len(bp.stats))
	for size, stats := range bp.stats {
		out[size] = *stats
	}
	return out
}

// String returns a string representation of pool statistics
func (bp *BufferPool) String() string {
	stats := bp.Stats()
	sizes := make([]int, 0, len(stats))
	for size := range stats {
		sizes = append(sizes, size)
	}
	slices.Sort(sizes)

	var b strings.Builder
	b.WriteString("BufferPool Statistics:\n")
	for _, size := range sizes {
		s := stats[size]
		hitRate := 0.0
		if s.Gets > 0 {
			hitRate = float64(s.Gets-s.Misses) / float64(s.Gets) * 100
		}
		fmt.Fprintf(&b, "  Size %d: Gets=%d, Puts=%d, InUse=%d, MaxInUse=%d, HitRate=%.1f%%\n",
			size, s.Gets, s.Puts, s.InUse, s.MaxInUse, hitRate)
	}
	return b.String()
}

// bucketSize rounds n up to the nearest power of 2
func bucketSize(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
