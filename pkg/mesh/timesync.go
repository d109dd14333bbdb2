package mesh

import (
	"go.uber.org/zap"

	"treemesh/pkg/protocol"
)

// startTimeSync sends our node-time estimate and reachable count, recording
// the local send instant for the round-trip measurement.
func (m *Mesh) startTimeSync(c *Connection) {
	c.timeSyncT0 = m.clock.Ticks()
	m.sendMessage(c, protocol.TimeSync(m.chipID, m.nodeTime(), m.reachableCount(nil)))
}

// handleTimeSync converges the logical clock. A reply to our outstanding
// request yields a candidate offset corrected by half the round trip; an
// inbound request is answered with our own estimate. Either way the
// adoption rule decides whose time base survives: the side seeing more of
// the mesh wins, and on a tie the numerically lower chip id wins, so
// re-evaluating the same inputs can never flip the outcome.
func (m *Mesh) handleTimeSync(c *Connection, msg *protocol.Message) {
	if c.peerChipID == 0 {
		c.peerChipID = msg.From
	}

	adopt := m.peerMoreAuthoritative(msg.Count, msg.From)

	if c.timeSyncStatus == SyncInProgress && c.timeSyncT0 != 0 {
		// Reply to our request.
		rtt := m.clock.Ticks() - c.timeSyncT0
		c.timeSyncT0 = 0
		if adopt {
			m.offset = msg.Time + rtt/2 - m.clock.Ticks()
		}
		zap.L().Info("time sync reply",
			zap.Uint32("peer", c.peerChipID),
			zap.Uint32("rtt", rtt),
			zap.Bool("adopted", adopt))
	} else {
		// Peer-initiated request: answer with our estimate. Without a
		// round-trip measurement the peer's time is taken as-is.
		if adopt {
			m.offset = msg.Time - m.clock.Ticks()
		}
		m.sendMessage(c, protocol.TimeSync(m.chipID, m.nodeTime(), m.reachableCount(nil)))
		zap.L().Info("time sync request",
			zap.Uint32("peer", c.peerChipID),
			zap.Bool("adopted", adopt))
	}

	c.adopted = adopt
	c.timeSyncStatus = SyncComplete
}

// peerMoreAuthoritative implements the adoption decision: strictly greater
// reachable count wins; equal counts fall back to the lower chip id.
func (m *Mesh) peerMoreAuthoritative(peerCount uint16, peerChipID uint32) bool {
	local := m.reachableCount(nil)
	if peerCount != local {
		return peerCount > local
	}
	return peerChipID < m.chipID
}
