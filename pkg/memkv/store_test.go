package memkv

import (
	"fmt"
	"sort"
	"testing"
	"time"
)

func TestSetGetCopies(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	if created := s.Set("k1", []byte("abc"), 0); !created {
		t.Fatalf("expected created=true on first Set")
	}
	if created := s.Set("k1", []byte("abcd"), 0); created {
		t.Fatalf("expected created=false on overwrite")
	}
	v, ok := s.Get("k1")
	if !ok || string(v) != "abcd" {
		t.Fatalf("Get mismatch: ok=%v v=%q", ok, v)
	}
	// mutating the returned copy must not leak into the store
	v[0] = 'X'
	v2, _ := s.Get("k1")
	if string(v2) != "abcd" {
		t.Fatalf("store value corrupted by caller copy: %q", v2)
	}
}

func TestGetDel(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	s.Set("k", []byte("42"), 0)
	v, ok := s.GetDel("k")
	if !ok || string(v) != "42" {
		t.Fatalf("GetDel mismatch: ok=%v v=%q", ok, v)
	}
	if _, ok := s.Get("k"); ok {
		t.Fatalf("expected key gone after GetDel")
	}
}

func TestTTLExpiryLazy(t *testing.T) {
	s := New(Options{SweepInterval: time.Hour})
	defer s.Close()
	now := time.Unix(0, 0)
	s.nowFn = func() time.Time { return now }

	s.Set("k", []byte("v"), 100*time.Millisecond)
	if _, ok := s.Get("k"); !ok {
		t.Fatalf("value missing before expiry")
	}
	now = now.Add(200 * time.Millisecond)
	if _, ok := s.Get("k"); ok {
		t.Fatalf("value should have expired")
	}
	if m := s.Metrics(); m.Expired != 1 || m.Keys != 0 {
		t.Fatalf("unexpected metrics after expiry: %+v", m)
	}
}

func TestTTLQuery(t *testing.T) {
	s := New(Options{SweepInterval: time.Hour})
	defer s.Close()
	now := time.Unix(0, 0)
	s.nowFn = func() time.Time { return now }

	s.Set("p", []byte("v"), 0)
	if d, ok := s.TTL("p"); !ok || d != 0 {
		t.Fatalf("persistent key TTL: d=%v ok=%v", d, ok)
	}
	s.Set("e", []byte("v"), time.Second)
	now = now.Add(400 * time.Millisecond)
	d, ok := s.TTL("e")
	if !ok || d != 600*time.Millisecond {
		t.Fatalf("TTL remaining: d=%v ok=%v", d, ok)
	}
	if _, ok := s.TTL("absent"); ok {
		t.Fatalf("TTL of absent key reported ok")
	}
}

func TestUpdateKeepsTTL(t *testing.T) {
	s := New(Options{SweepInterval: time.Hour})
	defer s.Close()
	now := time.Unix(0, 0)
	s.nowFn = func() time.Time { return now }

	s.Set("k", []byte("1"), time.Second)
	if !s.Update("k", func(old []byte) []byte { return append(old, '2') }) {
		t.Fatalf("Update on live key failed")
	}
	v, _ := s.Get("k")
	if string(v) != "12" {
		t.Fatalf("updated value = %q", v)
	}
	now = now.Add(2 * time.Second)
	if s.Update("k", func(old []byte) []byte { return old }) {
		t.Fatalf("Update succeeded on expired key")
	}
}

func TestKeysPrefix(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	s.Set("peer/1", []byte("a"), 0)
	s.Set("peer/2", []byte("b"), 0)
	s.Set("other", []byte("c"), 0)

	ks := s.Keys("peer/")
	sort.Strings(ks)
	if len(ks) != 2 || ks[0] != "peer/1" || ks[1] != "peer/2" {
		t.Fatalf("Keys(peer/) = %v", ks)
	}
	if got := len(s.Keys("")); got != 3 {
		t.Fatalf("Keys(\"\") len = %d", got)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	s := New(Options{SweepInterval: time.Hour})
	defer s.Close()
	now := time.Unix(0, 0)
	s.nowFn = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		s.Set(fmt.Sprintf("k%d", i), []byte("v"), time.Millisecond)
	}
	now = now.Add(time.Second)
	s.sweep()
	if m := s.Metrics(); m.Keys != 0 || m.Expired != 10 {
		t.Fatalf("after sweep: %+v", m)
	}
}

func TestMaxBytes(t *testing.T) {
	s := New(Options{MaxBytes: 4})
	defer s.Close()

	if !s.Set("a", []byte("ab"), 0) {
		t.Fatalf("first write under cap rejected")
	}
	if s.Set("b", []byte("cdefg"), 0) {
		t.Fatalf("write over cap accepted")
	}
	if !s.Set("b", []byte("cd"), 0) {
		t.Fatalf("write exactly at cap rejected")
	}
}
