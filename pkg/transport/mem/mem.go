// Package mem is an in-process transport over net.Pipe. It exists for tests
// and simulations; addresses are "name:port" strings so role determination
// by local port works the same way as on real sockets.
package mem

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"treemesh/pkg/transport"
)

// Switch connects endpoints by listen address.
type Switch struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

func NewSwitch() *Switch { return &Switch{listeners: make(map[string]*listener)} }

// Transport binds a Switch into the transport.Transport surface.
type Transport struct{ sw *Switch }

func (s *Switch) Transport() *Transport { return &Transport{sw: s} }

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	t.sw.mu.Lock()
	defer t.sw.mu.Unlock()
	if _, ok := t.sw.listeners[address]; ok {
		return nil, errors.New("mem: listener already exists")
	}
	l := &listener{sw: t.sw, addr: address, newCh: make(chan *conn, 8), closeCh: make(chan struct{})}
	t.sw.listeners[address] = l
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Conn, error) {
	t.sw.mu.Lock()
	l := t.sw.listeners[address]
	t.sw.mu.Unlock()
	if l == nil {
		return nil, errors.New("mem: no such listener")
	}
	c1, c2 := net.Pipe()
	srv := newConn(c1, addr(address), addr(dialerName(address)))
	cli := newConn(c2, addr(dialerName(address)), addr(address))
	select {
	case l.newCh <- srv:
	case <-l.closeCh:
		_ = srv.Close()
		_ = cli.Close()
		return nil, errors.New("mem: listener closed")
	}
	go func() {
		<-ctx.Done()
		_ = cli.Close()
	}()
	return cli, nil
}

// dialerName fabricates an ephemeral-looking local address for the dialer so
// its port never matches the mesh port.
func dialerName(target string) string {
	host := target
	if i := strings.LastIndexByte(target, ':'); i >= 0 {
		host = target[:i]
	}
	return host + ":0"
}

type listener struct {
	sw      *Switch
	addr    string
	newCh   chan *conn
	closeCh chan struct{}
	once    sync.Once
}

func (l *listener) Addr() net.Addr { return addr(l.addr) }

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("mem: listener closed")
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *listener) Close() error {
	l.once.Do(func() {
		close(l.closeCh)
		l.sw.mu.Lock()
		delete(l.sw.listeners, l.addr)
		l.sw.mu.Unlock()
	})
	return nil
}

type addr string

func (a addr) Network() string { return "mem" }
func (a addr) String() string  { return string(a) }

// Port parses the trailing ":port"; 0 when absent or unparsable.
func (a addr) Port() int {
	s := string(a)
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return 0
	}
	return n
}

type conn struct {
	mu    sync.Mutex
	c     net.Conn
	br    *bufio.Reader
	bw    *bufio.Writer
	laddr addr
	raddr addr
}

func newConn(c net.Conn, local, remote addr) *conn {
	return &conn{c: c, br: bufio.NewReader(c), bw: bufio.NewWriter(c), laddr: local, raddr: remote}
}

func (c *conn) Kind() transport.Kind { return transport.KindMem }
func (c *conn) LocalAddr() net.Addr  { return c.laddr }
func (c *conn) RemoteAddr() net.Addr { return c.raddr }
func (c *conn) Close() error         { return c.c.Close() }

// Frames are length-prefixed (u32 LE), matching the tcp transport.
func (c *conn) SendFrame(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := c.bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := c.bw.Write(b); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *conn) RecvFrame() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(c.br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lenbuf[:]))
	if n < 0 || n > (1<<24) {
		return nil, errors.New("mem: invalid frame size")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
