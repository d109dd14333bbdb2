// Package transport provides framed point-to-point links and the callback
// surface the mesh engine is driven by. Concrete transports live in
// subpackages (mem, tcp, quic, winpipe).
package transport

import (
	"context"
	"net"
	"strconv"
)

// Kind identifies the link type for logging and policy decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindQUIC
	KindMem
	KindWinPipe
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindMem:
		return "mem"
	case KindWinPipe:
		return "winpipe"
	default:
		return "unknown"
	}
}

// Conn is a framed bidirectional connection. SendFrame and RecvFrame each
// carry one whole message; framing is transport specific. Exactly one reader
// and one writer goroutine are expected.
type Conn interface {
	Kind() Kind
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SendFrame([]byte) error
	RecvFrame() ([]byte, error)
	Close() error
}

// Listener accepts inbound connections.
type Listener interface {
	// Accept blocks until an inbound connection is available or ctx is done.
	Accept(ctx context.Context) (Conn, error)
	// Addr returns the local listening address.
	Addr() net.Addr
	// Close stops the listener and unblocks Accept.
	Close() error
}

// Transport provides dialing and listening for a specific link kind.
type Transport interface {
	Kind() Kind
	Listen(ctx context.Context, address string) (Listener, error)
	Dial(ctx context.Context, address string) (Conn, error)
}

// Handler receives link lifecycle and I/O notifications. Notifications for a
// given link are delivered in transport order; the handler must not block.
type Handler interface {
	// OnNewLink fires once when a link is established, before any OnReceive.
	OnNewLink(l *Link)
	// OnReceive delivers one inbound frame.
	OnReceive(l *Link, frame []byte)
	// OnSendComplete fires after a previously accepted Send has been written.
	OnSendComplete(l *Link)
	// OnClosed fires once when the link is torn down for any reason.
	OnClosed(l *Link)
}

// porter is implemented by addresses that know their port without being a
// net.TCPAddr/net.UDPAddr (the mem transport).
type porter interface{ Port() int }

// PortOf extracts the port from an address, or -1 when the address carries
// none (named pipes).
func PortOf(a net.Addr) int {
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.Port
	case *net.UDPAddr:
		return v.Port
	case porter:
		return v.Port()
	}
	if _, p, err := net.SplitHostPort(a.String()); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	return -1
}
