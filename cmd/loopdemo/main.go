// Command loopdemo wires the full stack over a loopback netif and runs a
// TCP + UDP echo service, the way the original's doc/NO_SYS_SampleCode.c
// brings up one interface and drives the stack from a single main loop --
// except here the stack runs in threaded (netconn) mode via pkg/stackctx,
// and /metrics exposes pkg/stats's prometheus collectors.
package main

import (
	"flag"
	"net"
	"net/http"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lwip-tcpip/lwip-sub001/pkg/bsdsock"
	"github.com/lwip-tcpip/lwip-sub001/pkg/config"
	"github.com/lwip-tcpip/lwip-sub001/pkg/icmp"
	"github.com/lwip-tcpip/lwip-sub001/pkg/ip"
	"github.com/lwip-tcpip/lwip-sub001/pkg/memp"
	"github.com/lwip-tcpip/lwip-sub001/pkg/netif"
	"github.com/lwip-tcpip/lwip-sub001/pkg/pbuf"
	"github.com/lwip-tcpip/lwip-sub001/pkg/stackctx"
	"github.com/lwip-tcpip/lwip-sub001/pkg/stats"
	"github.com/lwip-tcpip/lwip-sub001/pkg/tcp"
	"github.com/lwip-tcpip/lwip-sub001/pkg/timewheel"
	"github.com/lwip-tcpip/lwip-sub001/pkg/udp"
)

var (
	configPath  = flag.String("config", "", "TOML config file (defaults applied if empty)")
	echoPort    = flag.Uint("echo-port", 7, "TCP/UDP echo port")
	metricsAddr = flag.String("metrics-addr", ":9273", "address for the /metrics HTTP endpoint")
	ifaceKind   = flag.String("iface", "loopback", "netif driver: loopback or hostudp")
	localAddr   = flag.String("local-udp", "127.0.0.1:9300", "hostudp: local UDP socket address")
	peerAddr    = flag.String("peer-udp", "127.0.0.1:9301", "hostudp: remote tunnel peer address")
	tunnelAddr  = flag.String("tunnel-ip", "10.10.0.1", "hostudp: this side's simulated IP address")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			glog.Fatalf("loopdemo: loading config: %v", err)
		}
		cfg = loaded
	}

	reg := netif.NewRegistry()
	wheel := timewheel.New(nil)
	pbufPool := memp.New[pbuf.Buf]("pbuf_pool", cfg.PbufPoolSize)
	ipEngine := ip.NewEngine(reg, cfg, pbufPool, wheel)

	var loop *netif.Netif
	switch *ifaceKind {
	case "hostudp":
		loop = newHostUDPNetif(reg, ipEngine)
	default:
		loop = newLoopbackNetif(reg, ipEngine)
	}
	reg.SetDefault(loop)
	reg.SetUp(loop)
	reg.SetLinkUp(loop)

	icmp.New(ipEngine)
	udpEngine := udp.New(ipEngine)
	tcpEngine := tcp.New(ipEngine, cfg, wheel)

	ctx := stackctx.NewThreaded(wheel)
	table := bsdsock.NewTable(ctx, tcpEngine, udpEngine)

	startTCPEcho(ctx, tcpEngine, loop, uint16(*echoPort))
	startUDPEcho(ctx, udpEngine, loop, uint16(*echoPort))

	registerMetrics()
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		glog.Infof("loopdemo: /metrics listening on %s", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			glog.Errorf("loopdemo: metrics server: %v", err)
		}
	}()

	glog.Infof("loopdemo: echoing TCP+UDP on %s:%d", loop.Addr, *echoPort)
	_ = table // the fd-table facade is exercised by an embedder driving this
	// process via bsdsock instead of the raw engine callbacks wired above
	select {}
}

func registerMetrics() {
	for _, c := range stats.Registry() {
		if err := prometheus.Register(c); err != nil {
			glog.V(1).Infof("loopdemo: metric already registered: %v", err)
		}
	}
}

// newLoopbackNetif builds a netif whose LinkOutput hands packets back to
// ipEngine.Input on a separate goroutine rather than inline: calling Input
// synchronously from within Output would re-enter whichever protocol
// engine is mid-call on the same stack (e.g. a connect() to one's own
// loopback address), re-locking a mutex already held by the caller. A
// buffered queue drained by one dedicated goroutine breaks that recursion,
// the same deferral lwIP's own loopback driver performs by posting to
// tcpip_input instead of calling it directly.
func newLoopbackNetif(reg *netif.Registry, ipEngine *ip.Engine) *netif.Netif {
	queue := make(chan *pbuf.Buf, 64)
	nif := netif.Add(reg, net.IPv4(127, 0, 0, 1), net.IPv4Mask(255, 0, 0, 0), nil,
		func(n *netif.Netif, p *pbuf.Buf) error {
			select {
			case queue <- p:
			default:
				pbuf.Free(p)
				glog.V(1).Info("loopdemo: loopback queue full, dropping packet")
			}
			return nil
		},
		nil,
	)
	nif.OutputIP = func(n *netif.Netif, p *pbuf.Buf, dest net.IP) error {
		return n.LinkOutput(n, p)
	}
	go func() {
		for p := range queue {
			ipEngine.Input(p, nif)
		}
	}()
	return nif
}

// newHostUDPNetif tunnels this process's framed IP datagrams to a peer
// process over a real UDP socket, so the stack can be driven across two
// real host sockets instead of purely in-process loopback.
func newHostUDPNetif(reg *netif.Registry, ipEngine *ip.Engine) *netif.Netif {
	local, err := net.ResolveUDPAddr("udp4", *localAddr)
	if err != nil {
		glog.Fatalf("loopdemo: resolving -local-udp: %v", err)
	}
	peer, err := net.ResolveUDPAddr("udp4", *peerAddr)
	if err != nil {
		glog.Fatalf("loopdemo: resolving -peer-udp: %v", err)
	}
	h, err := netif.NewHostUDP(reg, local, peer, net.ParseIP(*tunnelAddr).To4(), net.IPv4Mask(255, 255, 255, 0))
	if err != nil {
		glog.Fatalf("loopdemo: opening hostudp netif: %v", err)
	}
	h.Netif.OutputIP = func(n *netif.Netif, p *pbuf.Buf, dest net.IP) error {
		return n.LinkOutput(n, p)
	}
	go func() {
		if err := h.ReadLoop(func(frame []byte) {
			ipEngine.Input(pbuf.NewROM(frame), h.Netif)
		}); err != nil {
			glog.Errorf("loopdemo: hostudp read loop ended: %v", err)
		}
	}()
	return h.Netif
}

func startTCPEcho(ctx *stackctx.Context, e *tcp.Engine, nif *netif.Netif, port uint16) {
	listener, err := e.NewPCB()
	if err != nil {
		glog.Errorf("loopdemo: tcp NewPCB: %v", err)
		return
	}
	listener.OnAccept = func(child *tcp.PCB) bool {
		child.OnRecv = func(pcb *tcp.PCB, data []byte, eof bool) {
			if eof {
				_ = e.Close(pcb)
				return
			}
			if len(data) > 0 {
				_, _ = e.Write(pcb, data)
			}
		}
		return true
	}
	ctx.Do(func() {
		if err := e.Listen(listener, nif.Addr, port, 8); err != nil {
			glog.Errorf("loopdemo: tcp listen: %v", err)
		}
	})
}

func startUDPEcho(ctx *stackctx.Context, e *udp.Engine, nif *netif.Netif, port uint16) {
	pcb, err := e.NewPCB()
	if err != nil {
		glog.Errorf("loopdemo: udp NewPCB: %v", err)
		return
	}
	pcb.Recv = func(payload []byte, srcIP net.IP, srcPort uint16, p *udp.PCB) {
		_ = e.Send(p, payload, srcIP, srcPort)
	}
	ctx.Do(func() {
		if err := e.Bind(pcb, nif.Addr, port); err != nil {
			glog.Errorf("loopdemo: udp bind: %v", err)
		}
	})
}
