// Package memp implements the fixed-count object pools of spec.md §4.B.
// Each pool is a fixed-size slab plus a free stack of pointers into it,
// giving O(1) alloc/free without the raw pointer arithmetic spec.md §9's
// "arena + index handle" note would otherwise require unsafe for — the
// free stack holds *T directly instead of slab indices, which is the same
// shape (a LIFO of reusable slots) without needing unsafe.Pointer math.
package memp

import (
	"sync"

	"github.com/lwip-tcpip/lwip-sub001/pkg/stats"
)

// Pool is a fixed-capacity allocator for one object kind. Exhaustion is
// reported via the second Alloc return, never a panic — callers propagate
// lwiperr.OutOfMemory per spec.md §7.
type Pool[T any] struct {
	name string
	mu   sync.Mutex
	slab []T
	free []*T

	inUse int32
	peak  int32
	errs  int32
}

// New allocates a pool of the given name and capacity. name is used as the
// prometheus label for pool counters, so it should be stable and unique
// per object kind (e.g. "tcp_pcb", "tcp_seg", "udp_pcb", "reassdata").
func New[T any](name string, capacity int) *Pool[T] {
	p := &Pool[T]{
		name: name,
		slab: make([]T, capacity),
		free: make([]*T, 0, capacity),
	}
	for i := range p.slab {
		p.free = append(p.free, &p.slab[i])
	}
	return p
}

// Alloc checks an object out of the pool, zeroed. ok is false when the pool
// is exhausted.
func (p *Pool[T]) Alloc() (item *T, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		p.errs++
		stats.PoolErrors.WithLabelValues(p.name).Inc()
		return nil, false
	}
	item = p.free[n-1]
	p.free = p.free[:n-1]
	var zero T
	*item = zero

	p.inUse++
	if p.inUse > p.peak {
		p.peak = p.inUse
	}
	stats.PoolInUse.WithLabelValues(p.name).Set(float64(p.inUse))
	stats.PoolPeak.WithLabelValues(p.name).Set(float64(p.peak))
	return item, true
}

// Free returns item to the pool. item must have come from this pool's
// Alloc and must not be reused by the caller afterward.
func (p *Pool[T]) Free(item *T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, item)
	p.inUse--
	stats.PoolInUse.WithLabelValues(p.name).Set(float64(p.inUse))
}

// Stats is a point-in-time snapshot for observability (spec.md §4.B).
type Stats struct {
	InUse, Peak, Errors int32
	Capacity            int
}

func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{InUse: p.inUse, Peak: p.peak, Errors: p.errs, Capacity: len(p.slab)}
}
