//go:build windows

// Package winpipe implements the mesh transport over Windows named pipes.
// Pipe addresses carry no port, so links over this transport always take the
// Initiator role unless the node is configured otherwise.
package winpipe

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/Microsoft/go-winio"

	"treemesh/pkg/transport"
)

type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindWinPipe }

func (t *Transport) Listen(ctx context.Context, pipeName string) (transport.Listener, error) {
	l, err := winio.ListenPipe(pipeName, nil)
	if err != nil {
		return nil, err
	}
	wl := &listener{l: l, newCh: make(chan *conn, 8), closeCh: make(chan struct{})}
	go wl.acceptLoop()
	go func() {
		<-ctx.Done()
		_ = wl.Close()
	}()
	return wl, nil
}

func (t *Transport) Dial(ctx context.Context, pipeName string) (transport.Conn, error) {
	c, err := winio.DialPipeContext(ctx, pipeName)
	if err != nil {
		return nil, err
	}
	s := newConn(c)
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s, nil
}

type listener struct {
	l       net.Listener
	newCh   chan *conn
	closeCh chan struct{}
	once    sync.Once
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("winpipe: listener closed")
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *listener) Close() error {
	l.once.Do(func() { close(l.closeCh) })
	return l.l.Close()
}

func (l *listener) acceptLoop() {
	for {
		c, err := l.l.Accept()
		if err != nil {
			return
		}
		s := newConn(c)
		select {
		case l.newCh <- s:
		default:
			_ = s.Close()
		}
	}
}

type conn struct {
	mu sync.Mutex
	c  net.Conn
	br *bufio.Reader
	bw *bufio.Writer
}

func newConn(c net.Conn) *conn {
	return &conn{c: c, br: bufio.NewReader(c), bw: bufio.NewWriter(c)}
}

func (s *conn) Kind() transport.Kind { return transport.KindWinPipe }
func (s *conn) LocalAddr() net.Addr  { return s.c.LocalAddr() }
func (s *conn) RemoteAddr() net.Addr { return s.c.RemoteAddr() }
func (s *conn) Close() error         { return s.c.Close() }

func (s *conn) SendFrame(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := s.bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := s.bw.Write(b); err != nil {
		return err
	}
	return s.bw.Flush()
}

func (s *conn) RecvFrame() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(s.br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lenbuf[:]))
	if n < 0 || n > (1<<24) {
		return nil, errors.New("winpipe: invalid frame size")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
