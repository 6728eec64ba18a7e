// hostudp.go implements a netif backed by a real UDP socket, tunnelling this
// stack's framed IP datagrams as opaque UDP payloads between two processes —
// the only way to exercise a userspace netif driver against a real kernel
// socket without raw-socket privileges. Grounded on HydraDNS's
// listenReusePort (SO_REUSEPORT via golang.org/x/sys/unix) and kcp-go's use
// of golang.org/x/net/ipv4 to stamp a literal TTL onto the wire via a
// control message per outbound packet, rather than trusting the kernel's
// socket-wide default.
package netif

import (
	"context"
	"net"
	"syscall"

	"github.com/golang/glog"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/lwip-tcpip/lwip-sub001/pkg/pbuf"
)

// HostUDPNetif tunnels framed IP datagrams over a real UDP socket to a
// single fixed peer, standing in for a point-to-point link driver.
type HostUDPNetif struct {
	*Netif
	conn *ipv4.PacketConn
	peer *net.UDPAddr
}

// NewHostUDP opens a UDP socket at laddr with SO_REUSEPORT set (so several
// host-backed netifs can bind the same port across processes, as
// HydraDNS's per-core socket pool does) and registers a netif in reg whose
// LinkOutput tunnels framed datagrams to peer.
func NewHostUDP(reg *Registry, laddr, peer *net.UDPAddr, addr, mask net.IP) (*HostUDPNetif, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", laddr.String())
	if err != nil {
		return nil, err
	}
	ipc := ipv4.NewPacketConn(pc)
	if err := ipc.SetControlMessage(ipv4.FlagTTL, true); err != nil {
		glog.V(2).Infof("netif: hostudp control messages unavailable: %v", err)
	}

	h := &HostUDPNetif{conn: ipc, peer: peer}
	h.Netif = Add(reg, addr, mask, nil,
		func(n *Netif, p *pbuf.Buf) error { return h.send(p.Payload()) },
		nil,
	)
	return h, nil
}

func (h *HostUDPNetif) send(frame []byte) error {
	cm := &ipv4.ControlMessage{TTL: 64}
	_, err := h.conn.WriteTo(frame, cm, h.peer)
	return err
}

// ReadLoop blocks reading tunnelled datagrams and calls deliver for each
// one; deliver is expected to wrap the bytes in a pbuf and call
// ip.Engine.Input. Returns when the socket is closed.
func (h *HostUDPNetif) ReadLoop(deliver func(frame []byte)) error {
	buf := make([]byte, 65536)
	for {
		n, _, _, err := h.conn.ReadFrom(buf)
		if err != nil {
			return err
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		deliver(frame)
	}
}

// Close releases the underlying socket.
func (h *HostUDPNetif) Close() error {
	return h.conn.Close()
}
