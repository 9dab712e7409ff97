package store

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
)

// entryOverhead approximates the bookkeeping cost of one entry (list
// pointers, map slot, timestamps). It is part of every entry's size so a
// store full of tiny values still respects maxmemory.
const entryOverhead = 64

// EntrySize is the number of bytes an entry counts against maxmemory.
func EntrySize(key string, value []byte) uint64 {
	return uint64(len(key) + len(value) + entryOverhead)
}

type RemoveReason int

const (
	RemovedEvicted RemoveReason = iota
	RemovedExpired
)

func (r RemoveReason) String() string {
	if r == RemovedExpired {
		return "expired"
	}
	return "evicted"
}

type entry struct {
	key        string
	value      []byte
	expiresAt  time.Time
	insertedAt time.Time
	accessedAt time.Time
	prev, next *entry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// SetOptions mirrors the flags of the SET command.
type SetOptions struct {
	ExpireAt time.Time
	KeepTTL  bool
	NX       bool
	XX       bool
}

type Stats struct {
	Keys        int    `json:"keys"`
	Expires     int    `json:"expires"`
	UsedMemory  uint64 `json:"used_memory"`
	MaxMemory   uint64 `json:"maxmemory"`
	Hits        uint64 `json:"keyspace_hits"`
	Misses      uint64 `json:"keyspace_misses"`
	EvictedKeys uint64 `json:"evicted_keys"`
	ExpiredKeys uint64 `json:"expired_keys"`
}

// Store is a byte-bounded LRU map. The list head is the most recently used
// entry; eviction takes from the tail. maxMemory of 0 disables the bound.
type Store struct {
	mu        sync.Mutex
	items     map[string]*entry
	head      *entry
	tail      *entry
	used      uint64
	maxMemory uint64
	expires   int
	now       func() time.Time
	onRemove  func(key string, reason RemoveReason)

	hits, misses, evicted, expiredCount uint64
}

func New(maxMemory uint64) *Store {
	return &Store{
		items:     make(map[string]*entry),
		maxMemory: maxMemory,
		now:       time.Now,
	}
}

// OnRemove registers a hook for evictions and expirations. It runs with
// the store locked and must not call back into the store.
func (s *Store) OnRemove(fn func(key string, reason RemoveReason)) {
	s.mu.Lock()
	s.onRemove = fn
	s.mu.Unlock()
}

// WithClock replaces the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		s.misses++
		return nil, false
	}

	s.hits++
	e.accessedAt = s.now()
	s.moveToFront(e)

	return e.value, true
}

// Set stores value under key. It reports false when NX or XX prevented the
// write. A value that could never fit returns ErrCacheCapacityExceeded and
// leaves the store unchanged.
func (s *Store) Set(key string, value []byte, opts SetOptions) (bool, error) {
	size := EntrySize(key, value)
	if s.maxMemory > 0 && size > s.maxMemory {
		return false, types.Errorf(types.ErrCacheCapacityExceeded,
			"entry of %s exceeds maxmemory %s", utils.FormatSize(size), utils.FormatSize(s.maxMemory))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, exists := s.lookup(key)

	if (opts.NX && exists) || (opts.XX && !exists) {
		return false, nil
	}

	if exists {
		s.used -= EntrySize(e.key, e.value)
		e.value = value
		if !opts.KeepTTL {
			s.setExpiry(e, opts.ExpireAt)
		}
		e.accessedAt = now
		s.used += size
		s.moveToFront(e)
	} else {
		e = &entry{
			key:        key,
			value:      value,
			insertedAt: now,
			accessedAt: now,
		}
		s.setExpiry(e, opts.ExpireAt)
		s.items[key] = e
		s.pushFront(e)
		s.used += size
	}

	s.evict()

	return true, nil
}

func (s *Store) Del(keys ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range keys {
		if e, ok := s.lookup(key); ok {
			s.remove(e)
			removed++
		}
	}
	return removed
}

func (s *Store) Exists(keys ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := 0
	for _, key := range keys {
		if _, ok := s.lookup(key); ok {
			found++
		}
	}
	return found
}

// Expire sets an absolute deadline. A deadline in the past removes the key.
func (s *Store) Expire(key string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return false
	}

	if !at.After(s.now()) {
		s.remove(e)
		return true
	}

	s.setExpiry(e, at)
	return true
}

// Persist clears the deadline of key.
func (s *Store) Persist(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || e.expiresAt.IsZero() {
		return false
	}

	s.setExpiry(e, time.Time{})
	return true
}

// TTL returns the remaining lifetime. exists is false for a missing key and
// ttl is negative for a key without deadline.
func (s *Store) TTL(key string) (ttl time.Duration, exists bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return 0, false
	}
	if e.expiresAt.IsZero() {
		return -1, true
	}
	return e.expiresAt.Sub(s.now()), true
}

// ExpiresAt returns the absolute deadline, zero when there is none.
func (s *Store) ExpiresAt(key string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.lookup(key); ok {
		return e.expiresAt
	}
	return time.Time{}
}

// Keys returns the live keys matching a glob pattern, sorted.
func (s *Store) Keys(pattern string) []string {
	matcher := utils.NewGlob(pattern)

	s.mu.Lock()
	now := s.now()
	keys := make([]string, 0, len(s.items))
	for key, e := range s.items {
		if e.expired(now) {
			continue
		}
		if matcher.Match(key) {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// Scan returns up to count matching keys positioned at or after cursor and
// the cursor to continue from, 0 once the iteration is complete. A key's
// position is the hash of its name, so keys deleted or added between calls
// never shift the others: a key present for the whole iteration is
// returned exactly once.
func (s *Store) Scan(cursor uint64, pattern string, count int) (uint64, []string) {
	if count <= 0 {
		count = 10
	}

	matcher := utils.NewGlob(pattern)

	s.mu.Lock()
	now := s.now()
	found := make([]scanItem, 0, count)
	for key, e := range s.items {
		if e.expired(now) {
			continue
		}
		if pos := scanPosition(key); pos >= cursor && matcher.Match(key) {
			found = append(found, scanItem{pos: pos, key: key})
		}
	}
	s.mu.Unlock()

	sort.Slice(found, func(i, j int) bool {
		if found[i].pos != found[j].pos {
			return found[i].pos < found[j].pos
		}
		return found[i].key < found[j].key
	})

	n := count
	// keys sharing a position stay on the same page
	for n < len(found) && found[n].pos == found[n-1].pos {
		n++
	}

	if n >= len(found) {
		return 0, scanKeys(found)
	}

	last := found[n-1].pos
	if last == math.MaxUint64 {
		return 0, scanKeys(found[:n])
	}
	return last + 1, scanKeys(found[:n])
}

type scanItem struct {
	pos uint64
	key string
}

func scanPosition(key string) uint64 {
	return xxhash.Sum64String(key)
}

func scanKeys(items []scanItem) []string {
	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = item.key
	}
	return keys
}

// Flush removes everything. Removals are not reported through OnRemove.
func (s *Store) Flush() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.items)
	s.items = make(map[string]*entry)
	s.head, s.tail = nil, nil
	s.used = 0
	s.expires = 0
	return n
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store) UsedMemory() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *Store) MaxMemory() uint64 {
	return s.maxMemory
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Keys:        len(s.items),
		Expires:     s.expires,
		UsedMemory:  s.used,
		MaxMemory:   s.maxMemory,
		Hits:        s.hits,
		Misses:      s.misses,
		EvictedKeys: s.evicted,
		ExpiredKeys: s.expiredCount,
	}
}

// SweepExpired samples up to limit keys carrying a deadline and drops the
// expired ones. It returns how many were removed.
func (s *Store) SweepExpired(limit int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expires == 0 {
		return 0
	}

	now := s.now()
	checked, removed := 0, 0

	for _, e := range s.items {
		if checked >= limit {
			break
		}
		if e.expiresAt.IsZero() {
			continue
		}
		checked++
		if e.expired(now) {
			s.expire(e)
			removed++
		}
	}

	return removed
}

// Each visits live entries from least to most recently used, so replaying
// the visit order rebuilds the same recency.
func (s *Store) Each(fn func(key string, value []byte, expiresAt time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for e := s.tail; e != nil; e = e.prev {
		if e.expired(now) {
			continue
		}
		if err := fn(e.key, e.value, e.expiresAt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) lookup(key string) (*entry, bool) {
	e, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if e.expired(s.now()) {
		s.expire(e)
		return nil, false
	}
	return e, true
}

func (s *Store) setExpiry(e *entry, at time.Time) {
	if e.expiresAt.IsZero() && !at.IsZero() {
		s.expires++
	} else if !e.expiresAt.IsZero() && at.IsZero() {
		s.expires--
	}
	e.expiresAt = at
}

func (s *Store) evict() {
	if s.maxMemory == 0 {
		return
	}

	for s.used > s.maxMemory && s.tail != nil && s.tail != s.head {
		victim := s.tail
		s.remove(victim)
		s.evicted++
		if s.onRemove != nil {
			s.onRemove(victim.key, RemovedEvicted)
		}
	}
}

func (s *Store) expire(e *entry) {
	s.remove(e)
	s.expiredCount++
	if s.onRemove != nil {
		s.onRemove(e.key, RemovedExpired)
	}
}

func (s *Store) remove(e *entry) {
	s.unlink(e)
	delete(s.items, e.key)
	s.used -= EntrySize(e.key, e.value)
	if !e.expiresAt.IsZero() {
		s.expires--
	}
}

func (s *Store) pushFront(e *entry) {
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *Store) moveToFront(e *entry) {
	if s.head == e {
		return
	}
	s.unlink(e)
	s.pushFront(e)
}

func (s *Store) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev, e.next = nil, nil
}
