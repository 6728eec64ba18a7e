// Package pbuf implements the reference-counted scatter-gather buffer
// chains of spec.md §3/§4.A. Per spec.md §9's re-architecture note, nodes
// are not a raw C pointer graph: a POOL node's backing bytes live inside a
// fixed-size array embedded in the node itself, carved from a memp.Pool[Buf]
// slab, so checkout/return is the pool's O(1) slab operation rather than a
// manual intrusive free list.
package pbuf

import (
	"sync/atomic"

	"github.com/lwip-tcpip/lwip-sub001/pkg/lwiperr"
	"github.com/lwip-tcpip/lwip-sub001/pkg/memp"
)

// Type tags how a node's backing bytes are owned.
type Type int

const (
	// TypePool nodes carve their payload from a fixed-size embedded array,
	// returned to a memp.Pool[Buf] slab on free. Safe from interrupt
	// context.
	TypePool Type = iota
	// TypeRAM nodes own a freshly heap-allocated slice. Not safe from
	// interrupt context; supports pbuf_header growth via reallocation.
	TypeRAM
	// TypeROM nodes reference caller-owned read-only memory (e.g. a
	// literal), never copied, never freed.
	TypeROM
	// TypeREF nodes reference caller-owned memory whose lifetime the
	// caller manages; like ROM but payload may still be mutated in place.
	TypeREF
)

// Layer selects how much front headroom Alloc reserves for lower-layer
// headers expected along the node's path, mirroring PBUF_{RAW,LINK,IP,
// TRANSPORT} in the original protocol.
type Layer int

const (
	LayerRaw Layer = iota
	LayerLink
	LayerIP
	LayerTransport
)

const (
	linkHeaderLen      = 14 // Ethernet
	ipHeaderLen        = 20 // IPv4, no options
	transportHeaderLen = 20 // largest of UDP(8)/TCP(20, no options)

	// poolBufSize is the fixed backing-array size of a TypePool node.
	// config.PbufPoolBufSize may request less (and Alloc enforces the
	// request fits) but the array itself is this package constant, since
	// Go array sizes must be compile-time constants.
	poolBufSize = 1528
)

// Reserve is the cumulative header room Alloc leaves in front of the
// payload for this layer.
func (l Layer) Reserve() int {
	switch l {
	case LayerLink:
		return linkHeaderLen
	case LayerIP:
		return linkHeaderLen + ipHeaderLen
	case LayerTransport:
		return linkHeaderLen + ipHeaderLen + transportHeaderLen
	default:
		return 0
	}
}

// Buf is one node of a pbuf chain.
type Buf struct {
	arr [poolBufSize]byte // backing store when typ == TypePool
	ext []byte            // backing store when typ != TypePool

	off    int // offset into the backing store where payload begins
	length int // this node's payload length
	totLen int // length + sum of next's totLen

	next *Buf
	ref  int32
	typ  Type

	fromPool *memp.Pool[Buf] // non-nil when typ == TypePool
}

func (b *Buf) store() []byte {
	if b.typ == TypePool {
		return b.arr[:]
	}
	return b.ext
}

// Alloc reserves layer headroom and size bytes of payload. For TypePool,
// pool must be the shared node pool; for TypeRAM, pool is ignored and a
// fresh slice is heap-allocated. TypeROM/TypeREF use NewROM/NewREF instead.
func Alloc(layer Layer, size int, typ Type, pool *memp.Pool[Buf]) (*Buf, error) {
	reserve := layer.Reserve()
	total := reserve + size

	switch typ {
	case TypePool:
		if total > poolBufSize {
			return nil, lwiperr.Buffer
		}
		b, ok := pool.Alloc()
		if !ok {
			return nil, lwiperr.OutOfMemory
		}
		b.typ = TypePool
		b.fromPool = pool
		b.off = reserve
		b.length = size
		b.totLen = size
		b.ref = 1
		return b, nil
	case TypeRAM:
		b := &Buf{
			ext:    make([]byte, total),
			off:    reserve,
			length: size,
			totLen: size,
			typ:    TypeRAM,
			ref:    1,
		}
		return b, nil
	default:
		return nil, lwiperr.IllegalArg
	}
}

// NewROM wraps caller-owned, never-copied, never-mutated bytes.
func NewROM(data []byte) *Buf {
	return &Buf{ext: data, length: len(data), totLen: len(data), typ: TypeROM, ref: 1}
}

// NewREF wraps caller-owned bytes the node may read or write in place but
// never reallocates or frees.
func NewREF(data []byte) *Buf {
	return &Buf{ext: data, length: len(data), totLen: len(data), typ: TypeREF, ref: 1}
}

// Payload returns this node's payload window (not the whole chain).
func (b *Buf) Payload() []byte { return b.store()[b.off : b.off+b.length] }

// Len is this node's own payload length.
func (b *Buf) Len() int { return b.length }

// TotLen is the total length of the chain from this node forward.
func (b *Buf) TotLen() int { return b.totLen }

// Next is the following node, or nil at chain end.
func (b *Buf) Next() *Buf { return b.next }

// Type reports the node's backing-storage kind.
func (b *Buf) Type() Type { return b.typ }

// Ref bumps this node's reference count. Safe from interrupt context.
func Ref(p *Buf) {
	atomic.AddInt32(&p.ref, 1)
}

// Free decrements p's reference count; at zero it releases p's backing
// store and continues to p.Next(), stopping at the first node whose count
// does not reach zero (per spec.md §3's stated invariant). Returns the
// count of nodes actually released.
func Free(p *Buf) int {
	freed := 0
	for p != nil {
		if atomic.AddInt32(&p.ref, -1) != 0 {
			break
		}
		next := p.next
		p.next = nil
		release(p)
		freed++
		p = next
	}
	return freed
}

func release(p *Buf) {
	p.ext = nil
	if p.typ == TypePool && p.fromPool != nil {
		pool := p.fromPool
		p.fromPool = nil
		pool.Free(p)
	}
}

// Header grows (delta>0) or shrinks (delta<0) this node's front payload
// boundary in place when headroom permits. TypePool/TypeROM/TypeREF fail
// outright when growing past available headroom; TypeRAM instead
// reallocates a larger backing slice, copying the existing payload forward
// (it is the only type whose ops aren't interrupt-safe in the first
// place).
func (b *Buf) Header(delta int) error {
	if delta == 0 {
		return nil
	}
	if delta > 0 {
		if b.off >= delta {
			b.off -= delta
			b.length += delta
			b.totLen += delta
			return nil
		}
		if b.typ == TypeRAM {
			grown := make([]byte, delta+len(b.ext))
			copy(grown[delta:], b.ext)
			b.ext = grown
			b.off = 0
			b.length += delta
			b.totLen += delta
			return nil
		}
		return lwiperr.Buffer
	}
	shrink := -delta
	if shrink > b.length {
		return lwiperr.Buffer
	}
	b.off += shrink
	b.length -= shrink
	b.totLen -= shrink
	return nil
}

// Cat appends tail onto head's chain, transferring ownership of tail (no
// ref bump): the combined chain now has one reference to tail, held via
// head.
func Cat(head, tail *Buf) {
	last := head
	for last.next != nil {
		last.totLen += tail.totLen
		last = last.next
	}
	last.totLen += tail.totLen
	last.next = tail
}

// Chain appends tail onto head's chain like Cat, but bumps tail's ref count
// first: the caller retains its own independent reference to tail in
// addition to the one now held via head.
func Chain(head, tail *Buf) {
	Ref(tail)
	Cat(head, tail)
}

// Dechain splits head from the remainder of its chain, returning the
// detached remainder (which the caller now solely owns).
func Dechain(head *Buf) *Buf {
	rest := head.next
	head.next = nil
	head.totLen = head.length
	return rest
}

// Realloc shrinks the chain's total length to newTotLen, freeing any nodes
// beyond the cut point. newTotLen must not exceed the current TotLen.
func Realloc(p *Buf, newTotLen int) error {
	if newTotLen > p.totLen {
		return lwiperr.IllegalArg
	}
	remaining := newTotLen
	cur := p
	for {
		if remaining <= cur.length {
			cur.length = remaining
			if cur.next != nil {
				Free(cur.next)
				cur.next = nil
			}
			break
		}
		remaining -= cur.length
		cur = cur.next
	}
	var nodes []*Buf
	for n := p; n != nil; n = n.next {
		nodes = append(nodes, n)
	}
	sum := 0
	for i := len(nodes) - 1; i >= 0; i-- {
		sum += nodes[i].length
		nodes[i].totLen = sum
	}
	return nil
}

// CopyPartial copies up to n bytes starting at offset (measured from this
// node forward across the chain) into dst, returning the number copied.
func CopyPartial(p *Buf, dst []byte, n, offset int) int {
	copied := 0
	skip := offset
	for p != nil && copied < n && len(dst) > copied {
		payload := p.Payload()
		if skip >= len(payload) {
			skip -= len(payload)
			p = p.next
			continue
		}
		src := payload[skip:]
		skip = 0
		want := n - copied
		if want > len(dst)-copied {
			want = len(dst) - copied
		}
		if want > len(src) {
			want = len(src)
		}
		copy(dst[copied:copied+want], src)
		copied += want
		p = p.next
	}
	return copied
}

// Take copies src into this node's own payload bytes across the chain
// (mirrors pbuf_take: filling a freshly allocated chain with received
// frame bytes). src must fit within the chain's TotLen.
func Take(p *Buf, src []byte) error {
	if len(src) > p.TotLen() {
		return lwiperr.Buffer
	}
	off := 0
	for p != nil && off < len(src) {
		payload := p.Payload()
		n := len(src) - off
		if n > len(payload) {
			n = len(payload)
		}
		copy(payload[:n], src[off:off+n])
		off += n
		p = p.next
	}
	return nil
}
