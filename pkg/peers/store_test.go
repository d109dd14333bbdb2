package peers

import (
	"testing"
	"time"

	"treemesh/pkg/memkv"
	"treemesh/pkg/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv := memkv.New(memkv.Options{SweepInterval: time.Hour})
	t.Cleanup(kv.Close)
	return NewStore(kv)
}

func TestTouchCreatesAndCounts(t *testing.T) {
	s := newTestStore(t)

	s.Touch(101, 40)
	s.Touch(101, 60)
	m, ok := s.Get(101)
	if !ok {
		t.Fatalf("peer 101 missing after Touch")
	}
	if !m.Reachable || !m.Direct {
		t.Fatalf("touched peer not marked reachable+direct: %+v", m)
	}
	if m.MsgsIn != 2 || m.BytesIn != 100 {
		t.Fatalf("inbound counters: %+v", m)
	}

	s.CountSent(101, 25)
	m, _ = s.Get(101)
	if m.MsgsOut != 1 || m.BytesOut != 25 {
		t.Fatalf("outbound counters: %+v", m)
	}
}

func TestRecordTopologyWalksSubtree(t *testing.T) {
	s := newTestStore(t)

	// neighbor 2 fronts 3, which fronts 4 and 5
	subs := []protocol.SubtreeNode{
		{ChipID: 3, Subs: []protocol.SubtreeNode{{ChipID: 4}, {ChipID: 5}}},
	}
	s.RecordTopology(2, subs)

	m2, _ := s.Get(2)
	if !m2.Direct || m2.SubtreeSize != 3 {
		t.Fatalf("neighbor meta: %+v", m2)
	}
	for _, id := range []uint32{3, 4, 5} {
		m, ok := s.Get(id)
		if !ok || !m.Reachable || m.Direct || m.Via != 2 {
			t.Fatalf("subtree node %d meta: ok=%v %+v", id, ok, m)
		}
	}
	m3, _ := s.Get(3)
	if m3.SubtreeSize != 2 {
		t.Fatalf("node 3 subtree size = %d", m3.SubtreeSize)
	}
}

func TestMarkUnreachableCascades(t *testing.T) {
	s := newTestStore(t)

	s.RecordTopology(2, []protocol.SubtreeNode{{ChipID: 3}})
	s.Touch(9, 1) // unrelated neighbor

	s.MarkUnreachable(2)
	for _, id := range []uint32{2, 3} {
		m, ok := s.Get(id)
		if !ok {
			t.Fatalf("peer %d evicted instead of flagged", id)
		}
		if m.Reachable {
			t.Fatalf("peer %d still reachable", id)
		}
	}
	if m, _ := s.Get(9); !m.Reachable {
		t.Fatalf("unrelated peer 9 flagged unreachable")
	}
	if got := s.ReachableCount(); got != 1 {
		t.Fatalf("ReachableCount = %d, want 1", got)
	}
}

func TestListOrdered(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []uint32{30, 10, 20} {
		s.Touch(id, 1)
	}
	list := s.List()
	if len(list) != 3 {
		t.Fatalf("List len = %d", len(list))
	}
	for i, want := range []uint32{10, 20, 30} {
		if list[i].ChipID != want {
			t.Fatalf("List[%d] = %d, want %d", i, list[i].ChipID, want)
		}
	}
}
