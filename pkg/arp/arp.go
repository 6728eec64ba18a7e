// Package arp implements spec.md §4.I: an IPv4-to-hardware-address table
// with PENDING/STABLE entries, bounded per-entry packet queuing while
// resolution is outstanding, and gratuitous-ARP handling. The table has no
// entry limit: STABLE entries expire by TTL, and PENDING entries stay until
// they resolve.
package arp

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/lwip-tcpip/lwip-sub001/pkg/netif"
	"github.com/lwip-tcpip/lwip-sub001/pkg/pbuf"
	"github.com/lwip-tcpip/lwip-sub001/pkg/stats"
)

const (
	opRequest = 1
	opReply   = 2

	hwTypeEthernet = 1
	ethPType       = 0x0800

	maxQueuedPerEntry = 1 // lwIP queues exactly one packet per pending entry
	pendingTTL        = 5 * time.Second
	stableTTL         = 20 * time.Minute // expires_generic "ARP_MAXAGE" equivalent
)

type entryState int

const (
	statePending entryState = iota
	stateStable
)

// entry is the PENDING-state bookkeeping kept outside go-cache, which only
// holds STABLE resolutions (spec.md §9 decision: go-cache TTL drives STABLE
// eviction, PENDING entries live in a short-lived side map instead, since
// they need queuing and retry counts go-cache doesn't model).
type entry struct {
	hwAddr  [6]byte
	state   entryState
	retries int
	queued  *pbuf.Buf
	dest    net.IP
}

// Table is the ARP cache and queuing layer bound to one netif.
type Table struct {
	nif *netif.Netif

	mu      sync.Mutex
	pending map[string]*entry
	stable  *cache.Cache
}

// NewTable constructs a Table with go-cache managing STABLE-entry TTL.
func NewTable(nif *netif.Netif) *Table {
	return &Table{
		nif:     nif,
		pending: make(map[string]*entry),
		stable:  cache.New(stableTTL, stableTTL/2),
	}
}

func key(ip net.IP) string { return ip.To4().String() }

// Lookup returns the resolved hardware address for ip, if STABLE.
func (t *Table) Lookup(ip net.IP) ([6]byte, bool) {
	if v, ok := t.stable.Get(key(ip)); ok {
		return v.([6]byte), true
	}
	return [6]byte{}, false
}

// Resolve returns the hardware address for ip if already STABLE; otherwise
// it queues p (replacing any previously queued packet for that entry, per
// spec.md §4.I) and, if no request is already outstanding, sends one.
func (t *Table) Resolve(ip net.IP, p *pbuf.Buf) ([6]byte, bool) {
	if hw, ok := t.Lookup(ip); ok {
		return hw, true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(ip)
	e, ok := t.pending[k]
	if !ok {
		e = &entry{state: statePending, dest: ip}
		t.pending[k] = e
		t.sendRequest(ip)
	}
	if e.queued != nil {
		pbuf.Free(e.queued)
	}
	if p != nil {
		pbuf.Ref(p)
	}
	e.queued = p
	stats.ARPResolutions.WithLabelValues("pending").Inc()
	return [6]byte{}, false
}

// Input processes one received ARP frame (request or reply), per spec.md
// §4.I: a matching request gets a reply; any reply (solicited or
// gratuitous) updates an existing PENDING/STABLE entry and never creates a
// new one.
func (t *Table) Input(frame []byte) {
	if len(frame) < 28 {
		return
	}
	op := binary.BigEndian.Uint16(frame[6:8])
	var senderHW [6]byte
	copy(senderHW[:], frame[8:14])
	senderIP := net.IP(append([]byte(nil), frame[14:18]...))
	targetIP := net.IP(append([]byte(nil), frame[24:28]...))

	t.updateFromWire(senderIP, senderHW)

	if op == opRequest && targetIP.Equal(t.nif.Addr) {
		t.sendReply(senderIP, senderHW)
	}
}

func (t *Table) updateFromWire(ip net.IP, hw [6]byte) {
	t.mu.Lock()
	k := key(ip)
	e, isPending := t.pending[k]
	t.mu.Unlock()

	if isPending {
		e.hwAddr = hw
		e.state = stateStable
		t.stable.Set(k, hw, cache.DefaultExpiration)
		t.mu.Lock()
		delete(t.pending, k)
		queued := e.queued
		t.mu.Unlock()
		stats.ARPResolutions.WithLabelValues("resolved").Inc()
		if queued != nil {
			t.flushQueued(ip, hw, queued)
		}
		return
	}

	// Gratuitous update: only refresh an existing STABLE entry, per
	// spec.md §9 — never admits a brand-new entry this way.
	if _, ok := t.stable.Get(k); ok {
		t.stable.Set(k, hw, cache.DefaultExpiration)
	}
}

func (t *Table) flushQueued(dest net.IP, hw [6]byte, p *pbuf.Buf) {
	defer pbuf.Free(p)
	_ = t.nif.LinkOutput(t.nif, p)
}

func (t *Table) sendRequest(target net.IP) {
	frame := buildFrame(opRequest, t.nif.HWAddr, t.nif.Addr, [6]byte{}, target)
	p := pbuf.NewROM(frame)
	_ = t.nif.LinkOutput(t.nif, p)
}

func (t *Table) sendReply(dstIP net.IP, dstHW [6]byte) {
	frame := buildFrame(opReply, t.nif.HWAddr, t.nif.Addr, dstHW, dstIP)
	p := pbuf.NewROM(frame)
	_ = t.nif.LinkOutput(t.nif, p)
}

func buildFrame(op uint16, senderHW [6]byte, senderIP net.IP, targetHW [6]byte, targetIP net.IP) []byte {
	buf := make([]byte, 28)
	binary.BigEndian.PutUint16(buf[0:2], hwTypeEthernet)
	binary.BigEndian.PutUint16(buf[2:4], ethPType)
	buf[4] = 6
	buf[5] = 4
	binary.BigEndian.PutUint16(buf[6:8], op)
	copy(buf[8:14], senderHW[:])
	copy(buf[14:18], senderIP.To4())
	copy(buf[18:24], targetHW[:])
	copy(buf[24:28], targetIP.To4())
	return buf
}
