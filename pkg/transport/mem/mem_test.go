package mem

import (
	"context"
	"testing"

	"treemesh/pkg/transport"
)

func TestDialWithoutListenerFails(t *testing.T) {
	sw := NewSwitch()
	if _, err := sw.Transport().Dial(context.Background(), "nobody:1"); err == nil {
		t.Fatalf("expected dial error without listener")
	}
}

func TestFrameRoundTripAndAddrs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := NewSwitch().Transport()

	l, err := tr.Listen(ctx, "root:5555")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	type res struct {
		c   transport.Conn
		err error
	}
	accepted := make(chan res, 1)
	go func() {
		c, err := l.Accept(ctx)
		accepted <- res{c, err}
	}()

	cli, err := tr.Dial(ctx, "root:5555")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ar := <-accepted
	if ar.err != nil {
		t.Fatalf("accept: %v", ar.err)
	}
	srv := ar.c

	if got := transport.PortOf(srv.LocalAddr()); got != 5555 {
		t.Fatalf("accepted local port = %d", got)
	}
	if got := transport.PortOf(cli.LocalAddr()); got != 0 {
		t.Fatalf("dialer local port = %d, want ephemeral 0", got)
	}

	go func() { _ = cli.SendFrame([]byte("hello")) }()
	frame, err := srv.RecvFrame()
	if err != nil || string(frame) != "hello" {
		t.Fatalf("recv: %q %v", frame, err)
	}

	_ = cli.Close()
	if _, err := srv.RecvFrame(); err == nil {
		t.Fatalf("expected error reading a closed pipe")
	}
}

func TestListenAddressConflict(t *testing.T) {
	ctx := context.Background()
	tr := NewSwitch().Transport()
	if _, err := tr.Listen(ctx, "a:1"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if _, err := tr.Listen(ctx, "a:1"); err == nil {
		t.Fatalf("expected duplicate listen to fail")
	}
}
