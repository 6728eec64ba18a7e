package ip

import (
	"net"
	"sync"
	"time"

	"github.com/lwip-tcpip/lwip-sub001/pkg/lwiperr"
	"github.com/lwip-tcpip/lwip-sub001/pkg/memp"
	"github.com/lwip-tcpip/lwip-sub001/pkg/stats"
	"github.com/lwip-tcpip/lwip-sub001/pkg/timewheel"
)

// reassKey identifies one in-flight datagram per spec.md §3's
// (src,dst,id,proto) tuple.
type reassKey struct {
	src, dst string
	id       uint16
	proto    byte
}

// fragment is one received fragment's payload, positioned by byte offset
// within the final datagram.
type fragment struct {
	offset int
	data   []byte
	last   bool // this fragment carried MF=0
}

type reassEntry struct {
	frags   []fragment
	timer   timewheel.Handle
	haveLen int // total datagram length, known once the MF=0 fragment arrives
}

// reassembler holds in-flight reassembly entries, discarding each on
// timeout per spec.md §3/§8 invariant 5.
type reassembler struct {
	mu      sync.Mutex
	entries map[reassKey]*reassEntry
	wheel   *timewheel.Wheel
	maxAge  time.Duration
	pool    *memp.Pool[reassEntry]
}

func newReassembler(wheel *timewheel.Wheel, maxAge time.Duration, capacity int) *reassembler {
	return &reassembler{
		entries: make(map[reassKey]*reassEntry),
		wheel:   wheel,
		maxAge:  maxAge,
		pool:    memp.New[reassEntry]("reassdata", capacity),
	}
}

// insert adds a fragment and returns the reassembled datagram payload (the
// bytes following the first fragment's IP header) once the datagram is
// complete, contiguous from offset 0 through an MF=0 tail. A fragment that
// would start a new entry once MempNumReassdata are already in flight is
// dropped (spec.md §4.B).
func (r *reassembler) insert(src, dst net.IP, id uint16, proto byte, fragOffsetBytes int, mf bool, payload []byte) ([]byte, bool) {
	key := reassKey{src: src.String(), dst: dst.String(), id: id, proto: proto}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		var poolOK bool
		e, poolOK = r.pool.Alloc()
		if !poolOK {
			stats.IPDrops.WithLabelValues("reassembly_pool_exhausted").Inc()
			return nil, false
		}
		r.entries[key] = e
		e.timer = r.wheel.Schedule(r.maxAge, func(time.Time, any) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if cur, ok := r.entries[key]; ok && cur == e {
				delete(r.entries, key)
				r.pool.Free(e)
				stats.IPDrops.WithLabelValues("reassembly_timeout").Inc()
			}
		}, nil)
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	e.frags = append(e.frags, fragment{offset: fragOffsetBytes, data: buf, last: !mf})
	if !mf {
		e.haveLen = fragOffsetBytes + len(payload)
	}

	assembled, complete := tryAssemble(e)
	if complete {
		r.wheel.Cancel(e.timer)
		delete(r.entries, key)
		r.pool.Free(e)
	}
	return assembled, complete
}

// tryAssemble checks whether frags cover [0, haveLen) contiguously and, if
// so, concatenates them in offset order.
func tryAssemble(e *reassEntry) ([]byte, bool) {
	if e.haveLen == 0 {
		return nil, false
	}
	sorted := append([]fragment(nil), e.frags...)
	// insertion sort by offset; fragment counts are small in practice
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].offset > sorted[j].offset; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}

	out := make([]byte, e.haveLen)
	next := 0
	for _, f := range sorted {
		if f.offset > next {
			return nil, false // gap
		}
		end := f.offset + len(f.data)
		if end > next {
			copy(out[f.offset:end], f.data)
			next = end
		}
	}
	if next < e.haveLen {
		return nil, false
	}
	return out, true
}

// MaxFragmentable is the largest payload OutputIf will accept
// before §8's 65515-byte round-trip law stops applying (65535 total minus
// the minimum IP header).
const MaxFragmentable = 65535 - MinHeaderLen

var errTooLarge = lwiperr.Buffer
