// Package mesh implements the connection/session engine of a self-organizing
// tree mesh: per-link lifecycle, the node-sync topology exchange, the
// time-sync clock adoption protocol, and unicast/broadcast routing across
// the resulting tree.
//
// The engine has no thread of its own. All state changes happen through two
// entry points: the periodic maintenance Tick and the transport
// notifications, each serialized by one mutex so handlers run to completion
// in delivery order.
package mesh

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"treemesh/pkg/peers"
	"treemesh/pkg/protocol"
	"treemesh/pkg/protocol/codec"
	"treemesh/pkg/transport"
)

// DefaultNodeTimeout is how long a link may stay silent before it is
// reaped. Staleness re-sync thresholds derive from it: NodeTimeout/2 for
// Listener-role links, NodeTimeout*3/4 for Initiator-role links, staggered
// so both ends of a link do not re-sync at once.
const DefaultNodeTimeout = 3 * time.Second

var ErrNoRoute = errors.New("mesh: destination not found in topology")

// ReceiveFunc delivers an application payload addressed to this node.
type ReceiveFunc func(from uint32, msg string)

// NewConnectionFunc fires once per connection after both syncs complete;
// adopted tells whether this node took over the remote time base.
type NewConnectionFunc func(adopted bool)

// Config assembles a Mesh. ChipID and MeshPort are mandatory; zero-value
// collaborators get defaults (system clock, JSON codec).
type Config struct {
	ChipID      uint32
	MeshPort    int
	NodeTimeout time.Duration
	Clock       Clock
	Codec       codec.Codec
	Peers       *peers.Store // optional diagnostics store

	OnReceive       ReceiveFunc
	OnNewConnection NewConnectionFunc
}

// Mesh is the engine context. One per node process.
type Mesh struct {
	mu sync.Mutex

	chipID   uint32
	meshPort int
	timeout  uint32 // clock ticks

	clock  Clock
	codec  codec.Codec
	peers  *peers.Store
	offset uint32 // node time = clock ticks + offset

	conns []*Connection

	onReceive       ReceiveFunc
	onNewConnection NewConnectionFunc
}

func New(cfg Config) (*Mesh, error) {
	if cfg.ChipID == 0 {
		return nil, errors.New("mesh: chip id must be nonzero")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON()
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = DefaultNodeTimeout
	}
	return &Mesh{
		chipID:          cfg.ChipID,
		meshPort:        cfg.MeshPort,
		timeout:         ticksOf(cfg.NodeTimeout),
		clock:           cfg.Clock,
		codec:           cfg.Codec,
		peers:           cfg.Peers,
		onReceive:       cfg.OnReceive,
		onNewConnection: cfg.OnNewConnection,
	}, nil
}

func (m *Mesh) ChipID() uint32 { return m.chipID }

// NodeTime is the mesh-wide logical clock: local ticks plus the offset
// adopted from more authoritative peers.
func (m *Mesh) NodeTime() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodeTime()
}

func (m *Mesh) nodeTime() uint32 { return m.clock.Ticks() + m.offset }

// transport.Handler wiring. The concrete link type narrows to the internal
// Link interface so tests can drive the engine with fakes.

func (m *Mesh) OnNewLink(l *transport.Link)               { m.addLink(l) }
func (m *Mesh) OnReceive(l *transport.Link, frame []byte) { m.receive(l, frame) }
func (m *Mesh) OnSendComplete(l *transport.Link)          { m.sendComplete(l) }
func (m *Mesh) OnClosed(l *transport.Link)                { m.linkClosed(l) }

// addLink registers a fresh link. An Initiator-role connection begins node
// sync immediately; a Listener-role one waits for the peer's request.
func (m *Mesh) addLink(l Link) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	role := RoleInitiator
	if l.LocalPort() == m.meshPort {
		role = RoleListener
	}
	c := &Connection{
		link:          l,
		role:          role,
		lastReceived:  m.clock.Ticks(),
		newConnection: true,
		sendReady:     true,
	}
	if role == RoleListener {
		c.nodeSyncStatus = SyncNotNeeded
	} else {
		c.nodeSyncStatus = SyncNeeded
	}
	m.conns = append(m.conns, c)

	zap.L().Info("new link",
		zap.String("role", role.String()),
		zap.String("raddr", l.RemoteAddr()))

	if c.nodeSyncStatus == SyncNeeded {
		m.startNodeSync(c)
		c.nodeSyncStatus = SyncInProgress
	}
	return c
}

// receive dispatches one inbound frame. Liveness is only refreshed by a
// successfully decoded, successfully dispatched message.
func (m *Mesh) receive(l Link, frame []byte) {
	m.mu.Lock()
	var fire []func()

	c := m.findByLink(l)
	if c == nil {
		zap.L().Warn("frame from unknown connection, dropping", zap.Int("bytes", len(frame)))
		m.mu.Unlock()
		return
	}

	var msg protocol.Message
	if err := m.codec.Unmarshal(frame, &msg); err != nil {
		zap.L().Warn("decode failed, dropping", zap.Uint32("peer", c.peerChipID), zap.Error(err))
		m.mu.Unlock()
		return
	}
	if err := msg.Validate(c.peerChipID); err != nil {
		zap.L().Warn("invalid message, dropping", zap.Uint32("peer", c.peerChipID), zap.Error(err))
		m.mu.Unlock()
		return
	}

	switch msg.Type {
	case protocol.TypeNodeSyncRequest, protocol.TypeNodeSyncReply:
		m.handleNodeSync(c, &msg)
	case protocol.TypeTimeSync:
		m.handleTimeSync(c, &msg)
	case protocol.TypeSingle:
		fire = m.routeSingle(c, &msg, frame, fire)
	case protocol.TypeBroadcast:
		fire = m.routeBroadcast(c, &msg, frame, fire)
	}

	c.lastReceived = m.clock.Ticks()
	if m.peers != nil && c.peerChipID != 0 {
		// Credit the direct neighbor only; msg.From may be a multi-hop
		// origin on a relayed frame.
		m.peers.Touch(c.peerChipID, uint64(len(frame)))
	}
	m.mu.Unlock()

	for _, f := range fire {
		f()
	}
}

func (m *Mesh) sendComplete(l Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.findByLink(l)
	if c == nil {
		// Link was reaped while the frame was in flight.
		return
	}
	c.sendComplete()
}

func (m *Mesh) linkClosed(l Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.conns {
		if c.link == l {
			zap.L().Info("link closed by transport", zap.Uint32("peer", c.peerChipID))
			m.removeAt(i)
			return
		}
	}
}

// Tick is the maintenance pass: reap dead links, drive the sync state
// machines (at most one protocol start per connection per tick), fire the
// new-connection notification, and flag stale links for re-sync. It never
// blocks.
func (m *Mesh) Tick() {
	m.mu.Lock()
	var fire []func()
	now := m.clock.Ticks()

	i := 0
	for i < len(m.conns) {
		c := m.conns[i]

		if now-c.lastReceived > m.timeout {
			zap.L().Info("dropping link, node timeout",
				zap.Uint32("peer", c.peerChipID),
				zap.Uint32("silence", now-c.lastReceived))
			// Close outside the lock: a transport link delivers OnClosed
			// synchronously from Close, which re-enters the engine.
			link := c.link
			fire = append(fire, func() { _ = link.Close() })
			i = m.removeAt(i)
			continue
		}
		if c.link.Closed() {
			zap.L().Info("dropping closed link", zap.Uint32("peer", c.peerChipID))
			i = m.removeAt(i)
			continue
		}

		if c.nodeSyncStatus == SyncNeeded {
			zap.L().Debug("starting node sync", zap.Uint32("peer", c.peerChipID))
			m.startNodeSync(c)
			c.nodeSyncStatus = SyncInProgress
		}
		if c.nodeSyncStatus == SyncInProgress {
			i++
			continue
		}

		if c.timeSyncStatus == SyncNeeded {
			zap.L().Debug("starting time sync", zap.Uint32("peer", c.peerChipID))
			m.startTimeSync(c)
			c.timeSyncStatus = SyncInProgress
		}
		if c.timeSyncStatus == SyncInProgress {
			i++
			continue
		}

		if c.newConnection && c.nodeSyncStatus == SyncComplete && c.timeSyncStatus == SyncComplete {
			c.newConnection = false
			if m.onNewConnection != nil {
				adopted := c.adopted
				fire = append(fire, func() { m.onNewConnection(adopted) })
			}
			i++
			continue
		}

		// Stagger listener and initiator so the two ends of a link do not
		// start a fresh sync at the same time.
		stale := m.timeout / 2
		if c.role == RoleInitiator {
			stale = m.timeout * 3 / 4
		}
		if now-c.lastReceived > stale {
			c.nodeSyncStatus = SyncNeeded
		}
		i++
	}
	m.mu.Unlock()

	for _, f := range fire {
		f()
	}
}

// removeAt erases the connection at i, returning the cursor of the next
// element. Callers must resume iteration from the returned cursor, never
// the stale one, and must not close the link while holding m.mu.
func (m *Mesh) removeAt(i int) int {
	c := m.conns[i]
	m.conns = append(m.conns[:i], m.conns[i+1:]...)
	if m.peers != nil && c.peerChipID != 0 {
		m.peers.MarkUnreachable(c.peerChipID)
	}
	return i
}

// find returns the direct connection with the given peer chip id, or the
// first connection whose subtree contains it, or nil.
func (m *Mesh) find(chipID uint32) *Connection {
	for _, c := range m.conns {
		if c.peerChipID == chipID {
			return c
		}
	}
	for _, c := range m.conns {
		if protocol.ContainsChip(c.subtree, chipID) {
			return c
		}
	}
	return nil
}

func (m *Mesh) findByLink(l Link) *Connection {
	for _, c := range m.conns {
		if c.link == l {
			return c
		}
	}
	return nil
}

// sendMessage encodes and queues one protocol message on a connection.
func (m *Mesh) sendMessage(c *Connection, msg protocol.Message) {
	frame, err := m.codec.Marshal(&msg)
	if err != nil {
		zap.L().Error("encode failed", zap.Uint8("type", msg.Type), zap.Error(err))
		return
	}
	c.enqueue(frame)
	if m.peers != nil && c.peerChipID != 0 {
		m.peers.CountSent(c.peerChipID, uint64(len(frame)))
	}
}

// Stats is a point-in-time diagnostic snapshot.
type Stats struct {
	Connections int
	Reachable   uint16
	NodeTime    uint32
}

func (m *Mesh) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Connections: len(m.conns),
		Reachable:   m.reachableCount(nil),
		NodeTime:    m.nodeTime(),
	}
}
