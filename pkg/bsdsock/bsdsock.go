// Package bsdsock is the BSD-socket-shaped facade of spec.md §4.J: an
// integer file-descriptor table over netconn.Conn, so a port written
// against POSIX socket() / connect() / send() / recv() / close() needs only
// this package changed.
package bsdsock

import (
	"net"
	"sync"

	"github.com/golang/glog"
	"github.com/rs/xid"

	"github.com/lwip-tcpip/lwip-sub001/pkg/lwiperr"
	"github.com/lwip-tcpip/lwip-sub001/pkg/netconn"
	"github.com/lwip-tcpip/lwip-sub001/pkg/stackctx"
	"github.com/lwip-tcpip/lwip-sub001/pkg/tcp"
	"github.com/lwip-tcpip/lwip-sub001/pkg/udp"
)

// socket is one fd-table entry: the netconn handle plus an internal
// correlation id (xid.ID) threaded through log lines, independent of the
// fd number a caller might reuse after close.
type socket struct {
	id   xid.ID
	conn *netconn.Conn
}

// Table is the process-wide (or per-namespace, if the embedder wants more
// than one) file-descriptor table.
type Table struct {
	ctx       *stackctx.Context
	tcpEngine *tcp.Engine
	udpEngine *udp.Engine

	mu   sync.Mutex
	fds  map[int]*socket
	next int
}

func NewTable(ctx *stackctx.Context, tcpEngine *tcp.Engine, udpEngine *udp.Engine) *Table {
	return &Table{ctx: ctx, tcpEngine: tcpEngine, udpEngine: udpEngine, fds: make(map[int]*socket), next: 3}
}

// Socket allocates a new descriptor of the given netconn.Type. Fails with
// lwiperr.OutOfMemory if the backing PCB pool (spec.md §4.B) is exhausted.
func (t *Table) Socket(typ netconn.Type) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var conn *netconn.Conn
	var err error
	switch typ {
	case netconn.TypeTCP:
		conn, err = netconn.NewTCP(t.ctx, t.tcpEngine)
	case netconn.TypeUDP:
		conn, err = netconn.NewUDP(t.ctx, t.udpEngine)
	}
	if err != nil {
		return 0, err
	}
	fd := t.next
	t.next++
	t.fds[fd] = &socket{id: xid.New(), conn: conn}
	return fd, nil
}

func (t *Table) lookup(fd int) (*socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.fds[fd]
	if !ok {
		return nil, lwiperr.IllegalArg
	}
	return s, nil
}

func (t *Table) Connect(fd int, ip net.IP, port uint16) error {
	s, err := t.lookup(fd)
	if err != nil {
		return err
	}
	return s.conn.Connect(ip, port)
}

func (t *Table) Send(fd int, data []byte) (int, error) {
	s, err := t.lookup(fd)
	if err != nil {
		return 0, err
	}
	return s.conn.Write(data)
}

func (t *Table) SendTo(fd int, data []byte, ip net.IP, port uint16) error {
	s, err := t.lookup(fd)
	if err != nil {
		return err
	}
	return s.conn.SendTo(data, ip, port)
}

func (t *Table) Recv(fd int) (data []byte, eof bool, err error) {
	s, lookupErr := t.lookup(fd)
	if lookupErr != nil {
		return nil, false, lookupErr
	}
	return s.conn.Read()
}

// Close releases fd's descriptor slot and tears down its connection. The
// correlation id is logged once here, the way a syscall trace would record
// which internal session a given fd mapped to at the moment of close.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	s, ok := t.fds[fd]
	if ok {
		delete(t.fds, fd)
	}
	t.mu.Unlock()
	if !ok {
		return lwiperr.IllegalArg
	}
	glog.V(2).Infof("bsdsock: close fd=%d id=%s", fd, s.id)
	return s.conn.Close()
}
