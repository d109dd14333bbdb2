package mesh

import (
	"go.uber.org/zap"

	"treemesh/pkg/protocol"
)

// routeSingle delivers a unicast locally or forwards the original frame
// unchanged toward its destination. An unroutable destination is dropped
// silently on the wire; only a log line records it.
func (m *Mesh) routeSingle(c *Connection, msg *protocol.Message, frame []byte, fire []func()) []func() {
	if msg.Dest == m.chipID {
		if m.onReceive != nil {
			from, text := msg.From, msg.Msg
			fire = append(fire, func() { m.onReceive(from, text) })
		}
		return fire
	}
	target := m.find(msg.Dest)
	if target == nil {
		zap.L().Warn("unroutable destination, dropping",
			zap.Uint32("dest", msg.Dest),
			zap.Uint32("from", msg.From))
		return fire
	}
	target.enqueue(frame)
	return fire
}

// routeBroadcast delivers locally and relays the unchanged frame one hop to
// every connection except the arrival one. Termination relies on the mesh
// being a loop-free tree; no seen-message deduplication is performed.
func (m *Mesh) routeBroadcast(from *Connection, msg *protocol.Message, frame []byte, fire []func()) []func() {
	if m.onReceive != nil {
		src, text := msg.From, msg.Msg
		fire = append(fire, func() { m.onReceive(src, text) })
	}
	for _, c := range m.conns {
		if c == from {
			continue
		}
		c.enqueue(frame)
	}
	return fire
}

// Send queues a unicast to dest. Callers get ErrNoRoute when dest is
// nowhere in the known topology; forwarding nodes drop such messages
// silently instead.
func (m *Mesh) Send(dest uint32, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.find(dest)
	if c == nil {
		return ErrNoRoute
	}
	m.sendMessage(c, protocol.Single(m.chipID, dest, text))
	return nil
}

// Broadcast queues a flood message on every live connection.
func (m *Mesh) Broadcast(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := protocol.Broadcast(m.chipID, text)
	frame, err := m.codec.Marshal(&msg)
	if err != nil {
		return err
	}
	for _, c := range m.conns {
		c.enqueue(frame)
		if m.peers != nil && c.peerChipID != 0 {
			m.peers.CountSent(c.peerChipID, uint64(len(frame)))
		}
	}
	return nil
}
