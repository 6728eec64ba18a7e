// Package dhcp implements a minimal IPv4 DHCP client (DISCOVER/OFFER/
// REQUEST/ACK and lease renewal), grounded on the fuchsia netstack DHCP
// client's state-machine-plus-renewal-timer shape: a small explicit state
// enum driven by incoming UDP replies, with a renewal timer armed at half
// the lease length from the ACK (3600 s when the ACK carries none); T1/T2
// options are not read.
package dhcp

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/golang/glog"
	"github.com/lwip-tcpip/lwip-sub001/pkg/netif"
	"github.com/lwip-tcpip/lwip-sub001/pkg/timewheel"
	"github.com/lwip-tcpip/lwip-sub001/pkg/udp"
)

type state int

const (
	stateInit state = iota
	stateSelecting
	stateRequesting
	stateBound
	stateRenewing
)

const (
	clientPort = 68
	serverPort = 67

	opBootRequest = 1
	opBootReply   = 2
	magicCookie   = 0x63825363

	optMessageType  = 53
	optRequestedIP  = 50
	optServerID     = 54
	optLeaseTime    = 51
	optSubnetMask   = 1
	optRouter       = 3
	optEnd          = 255

	msgDiscover = 1
	msgOffer    = 2
	msgRequest  = 3
	msgAck      = 5
	msgNak      = 6
)

// Lease is the negotiated configuration once a client reaches stateBound.
type Lease struct {
	Addr    net.IP
	Mask    net.IP
	Gateway net.IP
	Server  net.IP
	Length  time.Duration
}

// Client runs one interface's DHCP negotiation over a UDP PCB.
type Client struct {
	nif   *netif.Netif
	udp   *udp.Engine
	pcb   *udp.PCB
	wheel *timewheel.Wheel
	xid   uint32

	st    state
	lease Lease

	OnBound func(Lease)
}

// New binds a Client to nif's broadcast DHCP exchange on udp's PCB set.
func New(nif *netif.Netif, udpEngine *udp.Engine, wheel *timewheel.Wheel) (*Client, error) {
	pcb, err := udpEngine.NewPCB()
	if err != nil {
		return nil, err
	}
	c := &Client{nif: nif, udp: udpEngine, wheel: wheel, xid: 0x1a2b3c4d, st: stateInit}
	c.pcb = pcb
	c.pcb.Recv = c.onRecv
	_ = udpEngine.Bind(c.pcb, net.IPv4zero, clientPort)
	return c, nil
}

// Start sends the initial DISCOVER.
func (c *Client) Start() {
	c.st = stateSelecting
	c.send(msgDiscover, nil)
}

func (c *Client) send(msgType byte, requestedIP net.IP) {
	buf := make([]byte, 240)
	buf[0] = opBootRequest
	buf[1] = 1 // htype: ethernet
	buf[2] = 6 // hlen
	binary.BigEndian.PutUint32(buf[4:8], c.xid)
	copy(buf[28:34], c.nif.HWAddr[:])
	binary.BigEndian.PutUint32(buf[236:240], magicCookie)

	opts := []byte{optMessageType, 1, msgType}
	if requestedIP != nil {
		opts = append(opts, optRequestedIP, 4)
		opts = append(opts, requestedIP.To4()...)
	}
	if c.lease.Server != nil && msgType == msgRequest {
		opts = append(opts, optServerID, 4)
		opts = append(opts, c.lease.Server.To4()...)
	}
	opts = append(opts, optEnd)

	packet := append(buf, opts...)
	if err := c.udp.Send(c.pcb, packet, net.IPv4bcast, serverPort); err != nil {
		glog.V(2).Infof("dhcp: send type %d: %v", msgType, err)
	}
}

func (c *Client) onRecv(payload []byte, _ net.IP, _ uint16, _ *udp.PCB) {
	if len(payload) < 240 || binary.BigEndian.Uint32(payload[4:8]) != c.xid {
		return
	}
	offeredIP := net.IP(append([]byte(nil), payload[16:20]...))
	opts := parseOptions(payload[240:])

	msgType, ok := opts[optMessageType]
	if !ok || len(msgType) != 1 {
		return
	}

	switch msgType[0] {
	case msgOffer:
		if c.st != stateSelecting {
			return
		}
		if server, ok := opts[optServerID]; ok && len(server) == 4 {
			c.lease.Server = net.IP(server)
		}
		c.st = stateRequesting
		c.send(msgRequest, offeredIP)
	case msgAck:
		if c.st != stateRequesting && c.st != stateRenewing {
			return
		}
		c.lease.Addr = offeredIP
		if mask, ok := opts[optSubnetMask]; ok && len(mask) == 4 {
			c.lease.Mask = net.IP(mask)
		}
		if gw, ok := opts[optRouter]; ok && len(gw) == 4 {
			c.lease.Gateway = net.IP(gw)
		}
		leaseSecs := uint32(3600)
		if lt, ok := opts[optLeaseTime]; ok && len(lt) == 4 {
			leaseSecs = binary.BigEndian.Uint32(lt)
		}
		c.lease.Length = time.Duration(leaseSecs) * time.Second
		c.st = stateBound
		if c.OnBound != nil {
			c.OnBound(c.lease)
		}
		c.wheel.Schedule(c.lease.Length/2, c.onRenew, nil)
	case msgNak:
		c.st = stateInit
		c.Start()
	}
}

func (c *Client) onRenew(_ time.Time, _ any) {
	c.st = stateRenewing
	c.send(msgRequest, c.lease.Addr)
}

func parseOptions(data []byte) map[byte][]byte {
	opts := make(map[byte][]byte)
	for i := 0; i < len(data); {
		kind := data[i]
		if kind == optEnd {
			break
		}
		if kind == 0 {
			i++
			continue
		}
		if i+1 >= len(data) {
			break
		}
		length := int(data[i+1])
		if i+2+length > len(data) {
			break
		}
		opts[kind] = data[i+2 : i+2+length]
		i += 2 + length
	}
	return opts
}
