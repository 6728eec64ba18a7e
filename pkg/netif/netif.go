// Package netif implements the network interface abstraction and registry
// of spec.md §3/§4.D: a list of interfaces with addresses, MTU, and output
// hooks, plus route selection: the first on-link interface in registration
// order, else the default.
package netif

import (
	"net"
	"sync"

	"github.com/lwip-tcpip/lwip-sub001/pkg/pbuf"
)

// Flags mirror the admin/carrier/capability bits of spec.md §3.
type Flags uint8

const (
	FlagUp Flags = 1 << iota
	FlagBroadcast
	FlagPointToPoint
	FlagLinkUp
	FlagEtharp
)

// OutputIPFunc routes and frames an outbound IP datagram for transmission
// toward dest (e.g. resolves the link-layer address via ARP, then calls
// LinkOutput). Installed per spec.md §3's output_ip slot.
type OutputIPFunc func(nif *Netif, p *pbuf.Buf, dest net.IP) error

// LinkOutputFunc transmits one already-framed packet via the driver.
// Installed per spec.md §3's linkoutput slot; this is the external
// collaborator contract named in spec.md §1/§6.
type LinkOutputFunc func(nif *Netif, p *pbuf.Buf) error

// InputFunc is what the driver calls on frame receipt; p's front points at
// the link header.
type InputFunc func(p *pbuf.Buf, nif *Netif) error

// Netif is one network interface.
type Netif struct {
	Name    [2]byte
	HWAddr  [6]byte
	MTU     int
	Addr    net.IP // IPv4, 4-byte form
	Netmask net.IP
	Gateway net.IP

	OutputIP   OutputIPFunc
	LinkOutput LinkOutputFunc
	Input      InputFunc

	mu    sync.RWMutex
	flags Flags
}

// String renders the two-character interface name, e.g. "en".
func (nif *Netif) String() string {
	return string(nif.Name[:])
}

func (nif *Netif) Flags() Flags {
	nif.mu.RLock()
	defer nif.mu.RUnlock()
	return nif.flags
}

func (nif *Netif) hasFlag(f Flags) bool { return nif.Flags()&f != 0 }

func (nif *Netif) IsUp() bool       { return nif.hasFlag(FlagUp) }
func (nif *Netif) IsLinkUp() bool   { return nif.hasFlag(FlagLinkUp) }
func (nif *Netif) IsBroadcastCapable() bool { return nif.hasFlag(FlagBroadcast) }

func (nif *Netif) setFlag(f Flags, on bool) {
	nif.mu.Lock()
	defer nif.mu.Unlock()
	if on {
		nif.flags |= f
	} else {
		nif.flags &^= f
	}
}

// BroadcastAddr is this interface's directed broadcast address
// (addr | ^netmask).
func (nif *Netif) BroadcastAddr() net.IP {
	addr := nif.Addr.To4()
	mask := nif.Netmask.To4()
	if addr == nil || mask == nil {
		return nil
	}
	out := make(net.IP, 4)
	for i := 0; i < 4; i++ {
		out[i] = addr[i] | ^mask[i]
	}
	return out
}

// OnLink reports whether ip shares this interface's network prefix.
func (nif *Netif) OnLink(ip net.IP) bool {
	addr := nif.Addr.To4()
	mask := nif.Netmask.To4()
	target := ip.To4()
	if addr == nil || mask == nil || target == nil {
		return false
	}
	for i := 0; i < 4; i++ {
		if addr[i]&mask[i] != target[i]&mask[i] {
			return false
		}
	}
	return true
}

// Registry is the netif list of spec.md §4.D: "single-linked list" plus
// default-route selection. List mutation happens only through admin calls
// funneled through the protocol context (spec.md §5), so no critical
// section guard is needed here beyond the registry's own mutex.
type Registry struct {
	mu      sync.Mutex
	list    []*Netif
	def     *Netif
}

func NewRegistry() *Registry { return &Registry{} }

// Add registers a new interface, down and without a default route until
// SetUp/SetDefault are called explicitly — mirrors the original sample's
// bring-up order (netif_add, then netif_set_default, then netif_set_up).
func Add(r *Registry, addr, mask, gw net.IP, linkoutput LinkOutputFunc, input InputFunc) *Netif {
	nif := &Netif{
		Addr:       addr,
		Netmask:    mask,
		Gateway:    gw,
		LinkOutput: linkoutput,
		Input:      input,
		MTU:        1500,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, nif)
	return nif
}

// Remove unregisters nif; if it was the default, there is no default until
// SetDefault is called again.
func (r *Registry) Remove(nif *Netif) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range r.list {
		if n == nif {
			r.list = append(r.list[:i], r.list[i+1:]...)
			break
		}
	}
	if r.def == nif {
		r.def = nil
	}
}

func (r *Registry) SetDefault(nif *Netif) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.def = nif
}

func (r *Registry) Default() *Netif {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.def
}

func (r *Registry) SetUp(nif *Netif)       { nif.setFlag(FlagUp, true) }
func (r *Registry) SetDown(nif *Netif)     { nif.setFlag(FlagUp, false) }
func (r *Registry) SetLinkUp(nif *Netif)   { nif.setFlag(FlagLinkUp, true) }
func (r *Registry) SetLinkDown(nif *Netif) { nif.setFlag(FlagLinkUp, false) }

// List returns a snapshot of registered interfaces.
func (r *Registry) List() []*Netif {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Netif, len(r.list))
	copy(out, r.list)
	return out
}

// Route returns the interface whose network matches dest, or the default
// interface when none matches (spec.md §4.D).
func (r *Registry) Route(dest net.IP) *Netif {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, nif := range r.list {
		if nif.OnLink(dest) {
			return nif
		}
	}
	return r.def
}

// HasUnicastAddr reports whether ip matches any registered interface's own
// unicast address (used by the IP engine's "is this for us" test).
func (r *Registry) HasUnicastAddr(ip net.IP) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, nif := range r.list {
		if nif.Addr.Equal(ip) {
			return true
		}
	}
	return false
}
