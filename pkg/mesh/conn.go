package mesh

import (
	"go.uber.org/zap"

	"treemesh/pkg/protocol"
)

// Role of the local endpoint on a link, fixed at creation. A link whose
// local port is the configured mesh port was accepted by our listener;
// anything else was dialed by us.
type Role uint8

const (
	RoleListener Role = iota
	RoleInitiator
)

func (r Role) String() string {
	if r == RoleListener {
		return "listener"
	}
	return "initiator"
}

// SyncStatus is the per-protocol exchange state on a connection.
// Transitions: NotNeeded → Needed → InProgress → Complete, with
// Complete → Needed re-entry on staleness.
type SyncStatus uint8

const (
	SyncNotNeeded SyncStatus = iota
	SyncNeeded
	SyncInProgress
	SyncComplete
)

func (s SyncStatus) String() string {
	switch s {
	case SyncNeeded:
		return "needed"
	case SyncInProgress:
		return "in-progress"
	case SyncComplete:
		return "complete"
	default:
		return "not-needed"
	}
}

// Link is the opaque transport handle a Connection is associated with. The
// Connection never owns its lifetime, only the association.
// *transport.Link satisfies this.
type Link interface {
	Send(frame []byte) error
	Closed() bool
	Close() error
	LocalPort() int
	RemoteAddr() string
}

// Connection is one live link, owned exclusively by the Mesh registry.
// Everything here is guarded by the mesh mutex.
type Connection struct {
	link Link
	role Role

	peerChipID uint32 // 0 until node sync has run
	subtree    []protocol.SubtreeNode

	lastReceived uint32 // local clock ticks of the last parsed inbound message

	nodeSyncStatus SyncStatus
	timeSyncStatus SyncStatus
	timeSyncT0     uint32 // local clock at request send; 0 = none outstanding
	adopted        bool

	newConnection bool // true until the new-connection callback has fired

	sendQueue [][]byte
	sendReady bool
}

func (c *Connection) PeerChipID() uint32 { return c.peerChipID }
func (c *Connection) Role() Role         { return c.role }

// enqueue appends one encoded frame and kicks the link if it is idle. The
// queue holds only frames not yet handed to the transport; at most one send
// is outstanding at any time and order is FIFO.
func (c *Connection) enqueue(frame []byte) {
	c.sendQueue = append(c.sendQueue, frame)
	if c.sendReady {
		c.sendReady = false
		c.sendHead()
	}
}

// sendComplete advances the queue after the transport finished a send.
func (c *Connection) sendComplete() {
	if len(c.sendQueue) > 0 {
		c.sendHead()
		return
	}
	c.sendReady = true
}

func (c *Connection) sendHead() {
	frame := c.sendQueue[0]
	c.sendQueue = c.sendQueue[1:]
	if err := c.link.Send(frame); err != nil {
		// Best effort: the frame is dropped, never retried.
		zap.L().Warn("transport send failed",
			zap.Uint32("peer", c.peerChipID),
			zap.Error(err))
	}
}
