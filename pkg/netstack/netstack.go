// Package netstack assembles the configured transports into a running
// transport.Stack. It is the only package that knows every concrete
// transport kind.
package netstack

import (
	"context"
	"fmt"

	"treemesh/pkg/transport"
	"treemesh/pkg/transport/mem"
	tquic "treemesh/pkg/transport/quic"
	ttcp "treemesh/pkg/transport/tcp"
)

// memSwitch backs every "mem" endpoint in this process so in-process nodes
// can reach each other.
var memSwitch = mem.NewSwitch()

// NewByKind constructs a Transport by configuration kind string.
func NewByKind(kind string) (transport.Transport, error) {
	switch kind {
	case "tcp":
		return ttcp.New(), nil
	case "quic":
		return tquic.New(), nil
	case "mem":
		return memSwitch.Transport(), nil
	case "winpipe", "pipe":
		return newWinPipeTransport()
	default:
		return nil, fmt.Errorf("unknown transport kind: %q", kind)
	}
}

// Start builds a stack for the handler and brings up the configured
// endpoints. The returned stack's Close stops the listeners; dial loops stop
// when ctx is canceled.
func Start(ctx context.Context, h transport.Handler, eps []transport.Endpoint, opts transport.Options) (*transport.Stack, error) {
	s := transport.NewStack(h, opts)
	s.SetFactory(NewByKind)
	if err := s.Start(ctx, eps); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
