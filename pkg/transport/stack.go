package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options tunes outbound dial retry behaviour.
type Options struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffJitter  time.Duration
}

func (o Options) withDefaults() Options {
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	return o
}

// Stack owns listeners and dial loops and turns every established Conn into
// a pumped Link feeding the Handler. The factory decides which transport
// kinds exist; netstack installs the standard set.
type Stack struct {
	h       Handler
	opts    Options
	factory func(kind string) (Transport, error)

	mu      sync.Mutex
	closers []func()
}

func NewStack(h Handler, opts Options) *Stack {
	return &Stack{h: h, opts: opts.withDefaults()}
}

// SetFactory installs the transport constructor used by Start. The netstack
// package wires the standard kinds; tests inject a mem switch here.
func (s *Stack) SetFactory(f func(kind string) (Transport, error)) { s.factory = f }

// Endpoint describes one transport entry from configuration.
type Endpoint struct {
	Kind   string
	Listen []string
	Dial   []string
}

// Start brings up all configured listeners and dial loops. Dial goroutines
// stop when ctx is canceled; Close stops the listeners.
func (s *Stack) Start(ctx context.Context, eps []Endpoint) error {
	if s.factory == nil {
		return fmt.Errorf("transport: no factory installed")
	}
	for _, ep := range eps {
		tr, err := s.factory(ep.Kind)
		if err != nil {
			zap.L().Warn("transport kind not available", zap.String("kind", ep.Kind), zap.Error(err))
			continue
		}
		for _, addr := range ep.Listen {
			if err := s.Listen(ctx, tr, addr); err != nil {
				return err
			}
		}
		for _, addr := range ep.Dial {
			s.Dial(ctx, tr, addr)
		}
	}
	return nil
}

// Listen starts accepting on addr and pumps every inbound connection.
func (s *Stack) Listen(ctx context.Context, tr Transport, addr string) error {
	l, err := tr.Listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", tr.Kind(), addr, err)
	}
	zap.L().Info("listening", zap.String("kind", tr.Kind().String()), zap.String("addr", l.Addr().String()))
	s.addCloser(func() { _ = l.Close() })
	go s.acceptLoop(ctx, l)
	return nil
}

// Dial keeps one outbound link to addr alive, re-dialing with exponential
// backoff whenever it drops.
func (s *Stack) Dial(ctx context.Context, tr Transport, addr string) {
	go s.dialLoop(ctx, tr, addr)
}

// StartLink wires an already established Conn into the handler. Exposed for
// tests that build conns directly.
func (s *Stack) StartLink(conn Conn) *Link {
	l := newLink(conn, s.h)
	l.start()
	return l
}

func (s *Stack) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func (s *Stack) addCloser(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, f)
}

func (s *Stack) acceptLoop(ctx context.Context, l Listener) {
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				zap.L().Warn("accept failed", zap.String("addr", l.Addr().String()), zap.Error(err))
			}
			return
		}
		zap.L().Info("inbound link",
			zap.String("kind", conn.Kind().String()),
			zap.String("raddr", conn.RemoteAddr().String()))
		s.StartLink(conn)
	}
}

func (s *Stack) dialLoop(ctx context.Context, tr Transport, addr string) {
	backoff := s.opts.BackoffInitial
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn, err := tr.Dial(ctx, addr)
		if err != nil {
			zap.L().Warn("dial failed", zap.String("kind", tr.Kind().String()), zap.String("addr", addr), zap.Error(err))
			if !sleepCtx(ctx, withJitter(backoff, s.opts.BackoffJitter)) {
				return
			}
			if backoff < s.opts.BackoffMax {
				backoff *= 2
				if backoff > s.opts.BackoffMax {
					backoff = s.opts.BackoffMax
				}
			}
			continue
		}
		backoff = s.opts.BackoffInitial
		zap.L().Info("dialed", zap.String("kind", tr.Kind().String()), zap.String("addr", addr))
		link := s.StartLink(conn)
		select {
		case <-ctx.Done():
			_ = link.Close()
			return
		case <-link.done:
			// Remote dropped us; retry after the base delay.
		}
		if !sleepCtx(ctx, withJitter(backoff, s.opts.BackoffJitter)) {
			return
		}
	}
}

func withJitter(d, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return d
	}
	return d + time.Duration(time.Now().UnixNano()%int64(jitter))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
