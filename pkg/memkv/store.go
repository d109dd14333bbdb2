// Package memkv is a sharded in-memory key/value store with per-key TTL.
// It backs the peers table; values are opaque byte slices.
package memkv

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Options tunes the store. The zero value is usable.
type Options struct {
	Shards        int           // shard count, default 64
	CopyOnSet     bool          // copy values on Set, default true
	CopyOnGet     bool          // copy values on Get, default true
	SweepInterval time.Duration // janitor period, default 1s
	MaxBytes      uint64        // total value byte cap, 0 = unlimited
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 64
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Second
	}
	// Copies are the safe default.
	if !o.CopyOnSet {
		o.CopyOnSet = true
	}
	if !o.CopyOnGet {
		o.CopyOnGet = true
	}
	return o
}

type entry struct {
	val      []byte
	expireAt int64 // unix nanos, 0 = never
}

type shard struct {
	mu sync.RWMutex
	m  map[string]entry
}

// Store is safe for concurrent use.
type Store struct {
	opts    Options
	shards  []shard
	closeCh chan struct{}
	wg      sync.WaitGroup
	nowFn   func() time.Time

	mKeys    atomic.Int64
	mBytes   atomic.Int64
	mSets    atomic.Uint64
	mHits    atomic.Uint64
	mMisses  atomic.Uint64
	mDels    atomic.Uint64
	mExpired atomic.Uint64
}

func New(opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{
		opts:    opts,
		shards:  make([]shard, opts.Shards),
		closeCh: make(chan struct{}),
		nowFn:   time.Now,
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]entry, 16)
	}
	s.wg.Add(1)
	go s.janitor()
	return s
}

// Close stops the janitor. The store stays readable afterwards but no
// further background expiry happens.
func (s *Store) Close() {
	close(s.closeCh)
	s.wg.Wait()
}

func (s *Store) shardFor(key string) *shard {
	// FNV-1a 64.
	h := uint64(1469598103934665603)
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return &s.shards[h%uint64(len(s.shards))]
}

func dup(b []byte, doCopy bool) []byte {
	if !doCopy || b == nil {
		return b
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Set stores val under key with an optional TTL (ttl <= 0 means no expiry).
// It reports whether the key was created rather than overwritten. A false
// return with an existing key means the MaxBytes cap rejected the write.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
	expAt := int64(0)
	if ttl > 0 {
		expAt = s.nowFn().Add(ttl).UnixNano()
	}
	v := dup(val, s.opts.CopyOnSet)

	sh := s.shardFor(key)
	sh.mu.Lock()
	prev, existed := sh.m[key]
	delta := int64(len(v))
	if existed {
		delta -= int64(len(prev.val))
	}
	if delta > 0 && s.opts.MaxBytes > 0 &&
		uint64(s.mBytes.Load()+delta) > s.opts.MaxBytes {
		sh.mu.Unlock()
		return false
	}
	sh.m[key] = entry{val: v, expireAt: expAt}
	sh.mu.Unlock()

	s.mBytes.Add(delta)
	if !existed {
		s.mKeys.Add(1)
	}
	s.mSets.Add(1)
	return !existed
}

// Get returns the value for key, expiring it lazily if its TTL has passed.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	sh.mu.RUnlock()
	if !ok {
		s.mMisses.Add(1)
		return nil, false
	}
	if e.expireAt != 0 && e.expireAt <= s.nowFn().UnixNano() {
		s.expireKey(sh, key)
		s.mMisses.Add(1)
		return nil, false
	}
	s.mHits.Add(1)
	return dup(e.val, s.opts.CopyOnGet), true
}

// GetDel atomically fetches and removes key.
func (s *Store) GetDel(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.m[key]
	if ok {
		delete(sh.m, key)
	}
	sh.mu.Unlock()
	if !ok {
		s.mMisses.Add(1)
		return nil, false
	}
	s.mKeys.Add(-1)
	s.mBytes.Add(-int64(len(e.val)))
	if e.expireAt != 0 && e.expireAt <= s.nowFn().UnixNano() {
		s.mExpired.Add(1)
		s.mMisses.Add(1)
		return nil, false
	}
	s.mDels.Add(1)
	s.mHits.Add(1)
	return dup(e.val, s.opts.CopyOnGet), true
}

// Update applies fn to the live value of key under the shard lock and
// stores the result, keeping the existing TTL. It reports whether key
// existed (and had not expired). fn receives nil-able old bytes and its
// return value is copied per CopyOnSet.
func (s *Store) Update(key string, fn func(old []byte) []byte) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.m[key]
	if !ok || (e.expireAt != 0 && e.expireAt <= s.nowFn().UnixNano()) {
		sh.mu.Unlock()
		return false
	}
	next := dup(fn(e.val), s.opts.CopyOnSet)
	delta := int64(len(next)) - int64(len(e.val))
	if delta > 0 && s.opts.MaxBytes > 0 &&
		uint64(s.mBytes.Load()+delta) > s.opts.MaxBytes {
		sh.mu.Unlock()
		return false
	}
	sh.m[key] = entry{val: next, expireAt: e.expireAt}
	sh.mu.Unlock()
	s.mBytes.Add(delta)
	s.mSets.Add(1)
	return true
}

// Upsert is Update that falls back to Set when the key is absent; ttl is
// applied only on the insert path.
func (s *Store) Upsert(key string, ttl time.Duration, fn func(old []byte) []byte) {
	if s.Update(key, fn) {
		return
	}
	s.Set(key, fn(nil), ttl)
}

func (s *Store) Exists(key string) bool {
	_, ok := s.Get(key)
	return ok
}

func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.m[key]
	if ok {
		delete(sh.m, key)
	}
	sh.mu.Unlock()
	if ok {
		s.mKeys.Add(-1)
		s.mBytes.Add(-int64(len(e.val)))
		s.mDels.Add(1)
	}
	return ok
}

// Expire resets the TTL of an existing key. ttl <= 0 deletes it.
func (s *Store) Expire(key string, ttl time.Duration) bool {
	if ttl <= 0 {
		return s.Delete(key)
	}
	expAt := s.nowFn().Add(ttl).UnixNano()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if !ok || (e.expireAt != 0 && e.expireAt <= s.nowFn().UnixNano()) {
		return false
	}
	e.expireAt = expAt
	sh.m[key] = e
	return true
}

// TTL reports the remaining lifetime. A key without expiry yields (0, true).
func (s *Store) TTL(key string) (time.Duration, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	sh.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if e.expireAt == 0 {
		return 0, true
	}
	rem := e.expireAt - s.nowFn().UnixNano()
	if rem <= 0 {
		s.expireKey(sh, key)
		return 0, false
	}
	return time.Duration(rem), true
}

// Keys returns all live keys with the given prefix ("" for all). Order is
// unspecified.
func (s *Store) Keys(prefix string) []string {
	now := s.nowFn().UnixNano()
	var out []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, e := range sh.m {
			if e.expireAt != 0 && e.expireAt <= now {
				continue
			}
			if prefix == "" || strings.HasPrefix(k, prefix) {
				out = append(out, k)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// expireKey removes key if it is still present and still expired.
func (s *Store) expireKey(sh *shard, key string) {
	now := s.nowFn().UnixNano()
	sh.mu.Lock()
	e, ok := sh.m[key]
	if ok && e.expireAt != 0 && e.expireAt <= now {
		delete(sh.m, key)
		s.mKeys.Add(-1)
		s.mBytes.Add(-int64(len(e.val)))
		s.mExpired.Add(1)
	}
	sh.mu.Unlock()
}

func (s *Store) janitor() {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-t.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	now := s.nowFn().UnixNano()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.m {
			if e.expireAt != 0 && e.expireAt <= now {
				delete(sh.m, k)
				s.mKeys.Add(-1)
				s.mBytes.Add(-int64(len(e.val)))
				s.mExpired.Add(1)
			}
		}
		sh.mu.Unlock()
	}
}

// Metrics is a point-in-time counter snapshot.
type Metrics struct {
	Keys    int64
	Bytes   int64
	Sets    uint64
	Hits    uint64
	Misses  uint64
	Dels    uint64
	Expired uint64
}

func (s *Store) Metrics() Metrics {
	return Metrics{
		Keys:    s.mKeys.Load(),
		Bytes:   s.mBytes.Load(),
		Sets:    s.mSets.Load(),
		Hits:    s.mHits.Load(),
		Misses:  s.mMisses.Load(),
		Dels:    s.mDels.Load(),
		Expired: s.mExpired.Load(),
	}
}
