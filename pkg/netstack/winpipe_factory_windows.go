//go:build windows

package netstack

import (
	"treemesh/pkg/transport"
	"treemesh/pkg/transport/winpipe"
)

func newWinPipeTransport() (transport.Transport, error) {
	return winpipe.New(), nil
}
