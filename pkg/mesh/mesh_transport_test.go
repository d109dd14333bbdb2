package mesh

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"treemesh/pkg/transport"
	"treemesh/pkg/transport/mem"
)

const waitFor = 2 * time.Second

// atomicClock is a tick source the test can advance while the transport
// reader goroutines are still delivering frames.
type atomicClock struct{ now atomic.Uint32 }

func (c *atomicClock) Ticks() uint32 { return c.now.Load() }

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// node bundles one engine with its transport stack for two-party tests.
type node struct {
	mesh  *Mesh
	clock *atomicClock
	stack *transport.Stack
	ready chan bool
	recv  chan string
}

func startNode(ctx context.Context, t *testing.T, chip uint32, factory func(string) (transport.Transport, error), ep transport.Endpoint) *node {
	t.Helper()
	n := &node{
		clock: &atomicClock{},
		ready: make(chan bool, 4),
		recv:  make(chan string, 16),
	}
	n.clock.now.Store(1000)
	m, err := New(Config{
		ChipID:          chip,
		MeshPort:        testMeshPort,
		NodeTimeout:     time.Second,
		Clock:           n.clock,
		OnReceive:       func(from uint32, msg string) { n.recv <- msg },
		OnNewConnection: func(adopted bool) { n.ready <- adopted },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.mesh = m
	// A long retry delay keeps the dialer from replacing links torn down
	// later in the test.
	n.stack = transport.NewStack(m, transport.Options{BackoffInitial: time.Minute})
	n.stack.SetFactory(factory)
	if err := n.stack.Start(ctx, []transport.Endpoint{ep}); err != nil {
		t.Fatalf("start chip %d: %v", chip, err)
	}
	return n
}

// Two engines over real links: link up, node sync, time sync, application
// traffic, then teardown from both ends.
func TestMeshOverMemTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw := mem.NewSwitch()
	factory := func(string) (transport.Transport, error) { return sw.Transport(), nil }

	root := startNode(ctx, t, 1, factory, transport.Endpoint{Kind: "mem", Listen: []string{"root:5555"}})
	defer root.stack.Close()
	leaf := startNode(ctx, t, 2, factory, transport.Endpoint{Kind: "mem", Dial: []string{"root:5555"}})
	defer leaf.stack.Close()

	// Pump both maintenance loops until the sync handshakes finish.
	stop := make(chan struct{})
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		for {
			select {
			case <-stop:
				return
			default:
			}
			root.mesh.Tick()
			leaf.mesh.Tick()
			time.Sleep(2 * time.Millisecond)
		}
	}()

	waitReady := func(n *node, what string) bool {
		select {
		case adopted := <-n.ready:
			return adopted
		case <-time.After(waitFor):
			t.Fatalf("timeout waiting for %s", what)
			return false
		}
	}
	// Equal reachable counts: the lower chip id keeps its time base.
	if adopted := waitReady(leaf, "leaf sync completion"); !adopted {
		t.Fatalf("leaf kept its own time base against a lower chip id")
	}
	if adopted := waitReady(root, "root sync completion"); adopted {
		t.Fatalf("root adopted from a higher chip id")
	}

	if err := root.mesh.Send(2, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-leaf.recv:
		if got != "hello" {
			t.Fatalf("leaf received %q, want %q", got, "hello")
		}
	case <-time.After(waitFor):
		t.Fatalf("timeout waiting for delivery")
	}

	close(stop)
	<-pumped

	// Reaping a timed-out link closes it on the transport, which reports
	// the closure straight back into the engine; Tick must survive that
	// re-entry and finish.
	leaf.clock.now.Add(2_000_000)
	reaped := make(chan struct{})
	go func() {
		leaf.mesh.Tick()
		close(reaped)
	}()
	select {
	case <-reaped:
	case <-time.After(waitFor):
		t.Fatalf("Tick wedged while reaping the timed-out link")
	}
	if n := leaf.mesh.Stats().Connections; n != 0 {
		t.Fatalf("leaf connections after reap = %d, want 0", n)
	}
	// The remote end sees the pipe drop and reaps through its closed-link
	// notification.
	waitUntil(t, "root link teardown", func() bool {
		return root.mesh.Stats().Connections == 0
	})
}
