package mesh

import (
	"go.uber.org/zap"

	"treemesh/pkg/protocol"
)

// startNodeSync sends our reachable topology to the peer, excluding the
// peer's own branch so a connection is never reflected back to itself.
func (m *Mesh) startNodeSync(c *Connection) {
	m.sendMessage(c, protocol.NodeSyncRequest(m.chipID, m.subtreeExcluding(c)))
}

// handleNodeSync processes a request or reply: learn the peer identity if
// still unknown, swap in the reported subtree wholesale, and answer a
// request with our own topology to complete the round trip.
func (m *Mesh) handleNodeSync(c *Connection, msg *protocol.Message) {
	if c.peerChipID == 0 {
		c.peerChipID = msg.From
		zap.L().Info("learned peer identity",
			zap.Uint32("peer", c.peerChipID),
			zap.String("role", c.role.String()))
	}
	c.subtree = msg.Subs
	c.nodeSyncStatus = SyncComplete

	if msg.Type == protocol.TypeNodeSyncRequest {
		m.sendMessage(c, protocol.NodeSyncReply(m.chipID, m.subtreeExcluding(c)))
	}

	// The initiator drives time sync once it knows who it talks to; the
	// listener side completes passively by answering.
	if c.role == RoleInitiator && c.newConnection && c.timeSyncStatus == SyncNotNeeded {
		c.timeSyncStatus = SyncNeeded
	}

	if m.peers != nil {
		m.peers.RecordTopology(c.peerChipID, c.subtree)
	}
	zap.L().Debug("node sync complete",
		zap.Uint32("peer", c.peerChipID),
		zap.Uint16("reachable", m.reachableCount(nil)))
}

// subtreeExcluding renders the local topology as seen by everyone except
// the given connection. Connections that have not completed node sync yet
// (peer id still zero) are left out.
func (m *Mesh) subtreeExcluding(exclude *Connection) []protocol.SubtreeNode {
	var subs []protocol.SubtreeNode
	for _, c := range m.conns {
		if c == exclude || c.peerChipID == 0 {
			continue
		}
		subs = append(subs, protocol.SubtreeNode{ChipID: c.peerChipID, Subs: c.subtree})
	}
	return subs
}

// reachableCount totals the nodes reachable through every connection other
// than exclude: the direct peer plus its whole subtree, recursively.
func (m *Mesh) reachableCount(exclude *Connection) uint16 {
	var count uint16
	for _, c := range m.conns {
		if c == exclude {
			continue
		}
		count += 1 + protocol.CountSubtree(c.subtree)
	}
	return count
}

// ReachableNodes reports how many nodes this node can currently address.
func (m *Mesh) ReachableNodes() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachableCount(nil)
}
