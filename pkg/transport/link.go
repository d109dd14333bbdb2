package transport

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// outboundDepth bounds frames handed to the writer but not yet on the wire.
// The mesh keeps at most one send outstanding per link, so this only needs
// headroom for teardown races.
const outboundDepth = 8

var ErrLinkClosed = errors.New("transport: link closed")

// Link is the opaque handle the mesh holds per connection. It owns the
// reader and writer goroutines of one Conn and converts their progress into
// Handler notifications.
type Link struct {
	conn Conn
	h    Handler

	out       chan []byte
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newLink(conn Conn, h Handler) *Link {
	return &Link{
		conn: conn,
		h:    h,
		out:  make(chan []byte, outboundDepth),
		done: make(chan struct{}),
	}
}

// start announces the link and spins up the pumps. OnNewLink is delivered
// synchronously so it precedes every OnReceive.
func (l *Link) start() {
	l.h.OnNewLink(l)
	go l.readLoop()
	go l.writeLoop()
}

func (l *Link) Kind() Kind { return l.conn.Kind() }

// LocalPort reports the local endpoint port, or -1 for portless transports.
// The mesh compares it against the configured mesh port to fix the link role.
func (l *Link) LocalPort() int { return PortOf(l.conn.LocalAddr()) }

func (l *Link) RemoteAddr() string { return l.conn.RemoteAddr().String() }

// Closed reports whether the transport considers this link dead.
func (l *Link) Closed() bool { return l.closed.Load() }

// Send hands one frame to the writer. The write happens asynchronously and
// finishes with an OnSendComplete notification.
func (l *Link) Send(frame []byte) error {
	if l.closed.Load() {
		return ErrLinkClosed
	}
	select {
	case l.out <- frame:
		return nil
	case <-l.done:
		return ErrLinkClosed
	default:
		return errors.New("transport: outbound backlog full")
	}
}

// Close tears the link down. OnClosed fires exactly once, whether the
// closure came from here or from the remote end.
func (l *Link) Close() error {
	err := l.conn.Close()
	l.markClosed()
	return err
}

func (l *Link) markClosed() {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.done)
		_ = l.conn.Close()
		l.h.OnClosed(l)
	})
}

func (l *Link) readLoop() {
	for {
		frame, err := l.conn.RecvFrame()
		if err != nil {
			l.markClosed()
			return
		}
		l.h.OnReceive(l, frame)
	}
}

func (l *Link) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case frame := <-l.out:
			if err := l.conn.SendFrame(frame); err != nil {
				// At-most-once: the frame is gone either way.
				zap.L().Warn("link send failed",
					zap.String("kind", l.Kind().String()),
					zap.String("raddr", l.RemoteAddr()),
					zap.Error(err))
			}
			l.h.OnSendComplete(l)
		}
	}
}
