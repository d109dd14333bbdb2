package transport_test

import (
	"context"
	"testing"
	"time"

	"treemesh/pkg/transport"
	"treemesh/pkg/transport/mem"
)

const waitFor = 2 * time.Second

// collector turns handler callbacks into channels so tests can wait on them.
type collector struct {
	newCh    chan *transport.Link
	recvCh   chan []byte
	sentCh   chan struct{}
	closedCh chan *transport.Link
}

func newCollector() *collector {
	return &collector{
		newCh:    make(chan *transport.Link, 4),
		recvCh:   make(chan []byte, 16),
		sentCh:   make(chan struct{}, 16),
		closedCh: make(chan *transport.Link, 4),
	}
}

func (c *collector) OnNewLink(l *transport.Link)               { c.newCh <- l }
func (c *collector) OnReceive(l *transport.Link, frame []byte) { c.recvCh <- frame }
func (c *collector) OnSendComplete(l *transport.Link)          { c.sentCh <- struct{}{} }
func (c *collector) OnClosed(l *transport.Link)                { c.closedCh <- l }

func waitLink(t *testing.T, ch chan *transport.Link, what string) *transport.Link {
	t.Helper()
	select {
	case l := <-ch:
		return l
	case <-time.After(waitFor):
		t.Fatalf("timeout waiting for %s", what)
		return nil
	}
}

func TestStackMemRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw := mem.NewSwitch()
	factory := func(string) (transport.Transport, error) { return sw.Transport(), nil }

	hs, hc := newCollector(), newCollector()

	server := transport.NewStack(hs, transport.Options{})
	server.SetFactory(factory)
	defer server.Close()
	if err := server.Start(ctx, []transport.Endpoint{{Kind: "mem", Listen: []string{"root:5555"}}}); err != nil {
		t.Fatalf("server start: %v", err)
	}

	client := transport.NewStack(hc, transport.Options{BackoffInitial: 10 * time.Millisecond})
	client.SetFactory(factory)
	defer client.Close()
	if err := client.Start(ctx, []transport.Endpoint{{Kind: "mem", Dial: []string{"root:5555"}}}); err != nil {
		t.Fatalf("client start: %v", err)
	}

	srvLink := waitLink(t, hs.newCh, "server link")
	cliLink := waitLink(t, hc.newCh, "client link")

	// Role determination inputs: the accepted side sits on the mesh port,
	// the dialing side on an ephemeral one.
	if got := srvLink.LocalPort(); got != 5555 {
		t.Fatalf("server LocalPort = %d, want 5555", got)
	}
	if got := cliLink.LocalPort(); got == 5555 {
		t.Fatalf("client LocalPort = %d, must differ from mesh port", got)
	}

	if err := cliLink.Send([]byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case frame := <-hs.recvCh:
		if string(frame) != "ping" {
			t.Fatalf("received %q", frame)
		}
	case <-time.After(waitFor):
		t.Fatalf("timeout waiting for frame")
	}
	select {
	case <-hc.sentCh:
	case <-time.After(waitFor):
		t.Fatalf("timeout waiting for send completion")
	}

	if err := srvLink.Send([]byte("pong")); err != nil {
		t.Fatalf("send back: %v", err)
	}
	select {
	case frame := <-hc.recvCh:
		if string(frame) != "pong" {
			t.Fatalf("received %q", frame)
		}
	case <-time.After(waitFor):
		t.Fatalf("timeout waiting for reply frame")
	}
}

func TestStackLinkCloseNotifiesBothEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw := mem.NewSwitch()
	hs, hc := newCollector(), newCollector()

	server := transport.NewStack(hs, transport.Options{})
	server.SetFactory(func(string) (transport.Transport, error) { return sw.Transport(), nil })
	defer server.Close()
	if err := server.Start(ctx, []transport.Endpoint{{Kind: "mem", Listen: []string{"root:7000"}}}); err != nil {
		t.Fatalf("server start: %v", err)
	}

	client := transport.NewStack(hc, transport.Options{})
	client.SetFactory(func(string) (transport.Transport, error) { return sw.Transport(), nil })
	defer client.Close()
	conn, err := sw.Transport().Dial(ctx, "root:7000")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	cliLink := client.StartLink(conn)

	srvLink := waitLink(t, hs.newCh, "server link")
	waitLink(t, hc.newCh, "client link")

	if err := cliLink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	closed := waitLink(t, hc.closedCh, "client close notification")
	if closed != cliLink || !cliLink.Closed() {
		t.Fatalf("client close notification mismatch")
	}
	gone := waitLink(t, hs.closedCh, "server close notification")
	if gone != srvLink || !srvLink.Closed() {
		t.Fatalf("server close notification mismatch")
	}
	if err := cliLink.Send([]byte("late")); err != transport.ErrLinkClosed {
		t.Fatalf("send on closed link = %v, want ErrLinkClosed", err)
	}
}

func TestStackStartRequiresFactory(t *testing.T) {
	s := transport.NewStack(newCollector(), transport.Options{})
	if err := s.Start(context.Background(), nil); err == nil {
		t.Fatalf("expected error without a factory")
	}
}
