// Package peers keeps per-node bookkeeping for every chip id the mesh has
// heard about, direct neighbors and subtree members alike. Entries live in
// the in-memory KV under "peer:<chipId>" and age out after inactivity.
package peers

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"treemesh/pkg/memkv"
	"treemesh/pkg/protocol"
)

// defaultTTL retires a peer entry after this much silence.
const defaultTTL = 5 * time.Minute

// Meta is the stored record for one known node.
type Meta struct {
	ChipID      uint32 `json:"chipId"`
	Reachable   bool   `json:"reachable"`
	Direct      bool   `json:"direct,omitempty"`
	LastSeen    int64  `json:"last_seen_unix_ms"`
	MsgsIn      uint64 `json:"msgs_in"`
	MsgsOut     uint64 `json:"msgs_out"`
	BytesIn     uint64 `json:"bytes_in"`
	BytesOut    uint64 `json:"bytes_out"`
	SubtreeSize uint16 `json:"subtree_size,omitempty"`
	Via         uint32 `json:"via,omitempty"` // direct neighbor fronting this node
}

// Store persists peer metadata in the in-memory KV.
type Store struct {
	kv    *memkv.Store
	ttl   time.Duration
	nowFn func() time.Time
}

func NewStore(kv *memkv.Store) *Store {
	return &Store{kv: kv, ttl: defaultTTL, nowFn: time.Now}
}

func keyPeer(id uint32) string { return "peer:" + strconv.FormatUint(uint64(id), 10) }

func (s *Store) Get(id uint32) (Meta, bool) {
	b, ok := s.kv.Get(keyPeer(id))
	if !ok {
		return Meta{}, false
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, false
	}
	return m, true
}

func (s *Store) mutate(id uint32, fn func(m *Meta)) {
	key := keyPeer(id)
	s.kv.Upsert(key, s.ttl, func(old []byte) []byte {
		var m Meta
		_ = json.Unmarshal(old, &m)
		m.ChipID = id
		fn(&m)
		b, _ := json.Marshal(m)
		return b
	})
	_ = s.kv.Expire(key, s.ttl)
}

// Touch records an inbound message from a direct neighbor and refreshes
// its entry's TTL.
func (s *Store) Touch(id uint32, bytes uint64) {
	s.mutate(id, func(m *Meta) {
		m.Reachable = true
		m.Direct = true
		m.Via = 0
		m.LastSeen = s.nowFn().UnixMilli()
		m.MsgsIn++
		m.BytesIn += bytes
	})
}

// CountSent records an outbound message queued toward a direct neighbor.
func (s *Store) CountSent(id uint32, bytes uint64) {
	s.mutate(id, func(m *Meta) {
		m.MsgsOut++
		m.BytesOut += bytes
	})
}

// RecordTopology registers every node of a neighbor's announced subtree as
// reachable through that neighbor.
func (s *Store) RecordTopology(id uint32, subs []protocol.SubtreeNode) {
	now := s.nowFn().UnixMilli()
	s.mutate(id, func(m *Meta) {
		m.Reachable = true
		m.Direct = true
		m.SubtreeSize = protocol.CountSubtree(subs)
	})
	var walk func(via uint32, subs []protocol.SubtreeNode)
	walk = func(via uint32, subs []protocol.SubtreeNode) {
		for _, n := range subs {
			n := n
			s.mutate(n.ChipID, func(m *Meta) {
				m.Reachable = true
				m.Direct = false
				m.Via = via
				m.LastSeen = now
				m.SubtreeSize = protocol.CountSubtree(n.Subs)
			})
			walk(via, n.Subs)
		}
	}
	walk(id, subs)
	zap.L().Debug("topology recorded",
		zap.Uint32("peer", id),
		zap.Uint16("subtreeSize", protocol.CountSubtree(subs)))
}

// MarkUnreachable flags a direct neighbor, and everything routed through
// it, as gone. Entries are kept (with their counters) until the TTL fires.
func (s *Store) MarkUnreachable(id uint32) {
	s.mutate(id, func(m *Meta) {
		m.Reachable = false
		m.Direct = false
	})
	for _, other := range s.List() {
		if other.Via == id && other.Reachable {
			s.mutate(other.ChipID, func(m *Meta) {
				m.Reachable = false
			})
		}
	}
	zap.L().Debug("peer unreachable", zap.Uint32("peer", id))
}

// List returns a snapshot of all stored peers ordered by chip id.
func (s *Store) List() []Meta {
	keys := s.kv.Keys("peer:")
	out := make([]Meta, 0, len(keys))
	for _, k := range keys {
		b, ok := s.kv.Get(k)
		if !ok {
			continue
		}
		var m Meta
		if err := json.Unmarshal(b, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChipID < out[j].ChipID })
	return out
}

// ReachableCount reports how many stored peers are currently reachable.
func (s *Store) ReachableCount() int {
	n := 0
	for _, m := range s.List() {
		if m.Reachable {
			n++
		}
	}
	return n
}
