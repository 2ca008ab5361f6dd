// Kioskd - Digital Signage Device Agent
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/kioskd

// Package dedupe provides a bounded TTL'd LRU set used for idempotency
// tracking: proof-of-play event keys and acknowledged command ids.
package dedupe

import (
	"sync"
	"time"
)

// entry is a node in the doubly-linked LRU list.
type entry struct {
	key       string
	value     []byte
	prev      *entry
	next      *entry
	expiresAt time.Time
}

// Set is a thread-safe bounded LRU set with TTL support.
//
// It provides O(1) Seen/Add/Remove and O(1) eviction when capacity is
// reached, using a doubly-linked list for ordering and a map for lookup.
// Expiry is lazy: an expired key is treated as absent and removed on access.
//
// An optional value can be stored with each key; the command channel uses
// this to replay a prior acknowledgement on redelivery.
type Set struct {
	mu sync.Mutex

	capacity int
	ttl      time.Duration

	items map[string]*entry

	// head.next is most recently used, tail.prev is least recently used
	head *entry
	tail *entry

	hits   int64
	misses int64
}

// New creates a dedupe set with the given capacity and TTL.
// Non-positive arguments fall back to 10000 entries and 24h.
func New(capacity int, ttl time.Duration) *Set {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	s := &Set{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*entry, capacity),
		head:     &entry{},
		tail:     &entry{},
	}
	s.head.next = s.tail
	s.tail.prev = s.head
	return s
}

// Seen reports whether key was recorded and has not expired, recording it if
// absent. Returns true for a duplicate.
func (s *Set) Seen(key string) bool {
	seen, _ := s.SeenValue(key, nil)
	return seen
}

// SeenValue is Seen with an attached value. For a duplicate it returns the
// value stored with the first occurrence; for a first occurrence it stores
// value and returns nil.
func (s *Set) SeenValue(key string, value []byte) (bool, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	if e, ok := s.items[key]; ok {
		if !now.After(e.expiresAt) {
			s.moveToFront(e)
			s.hits++
			return true, e.value
		}
		// Expired entry: remove and treat the key as new
		s.removeEntry(e)
	}

	e := &entry{
		key:       key,
		value:     value,
		expiresAt: now.Add(s.ttl),
	}
	s.addToFront(e)
	s.items[key] = e

	for len(s.items) > s.capacity {
		s.evictOldest()
	}

	s.misses++
	return false, nil
}

// Lookup returns the value stored for key without recording it.
func (s *Set) Lookup(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Remove drops key from the set. Returns true if it was present.
func (s *Set) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.items[key]; ok {
		s.removeEntry(e)
		return true
	}
	return false
}

// Len returns the current number of tracked keys.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Clear drops all tracked keys.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*entry, s.capacity)
	s.head.next = s.tail
	s.tail.prev = s.head
}

// Stats returns hit/miss counters and current size.
func (s *Set) Stats() (hits, misses int64, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits, s.misses, len(s.items)
}

// Internal methods (must be called with mu held)

func (s *Set) addToFront(e *entry) {
	e.prev = s.head
	e.next = s.head.next
	s.head.next.prev = e
	s.head.next = e
}

func (s *Set) moveToFront(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	s.addToFront(e)
}

func (s *Set) removeEntry(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	delete(s.items, e.key)
}

func (s *Set) evictOldest() {
	oldest := s.tail.prev
	if oldest == s.head {
		return
	}
	s.removeEntry(oldest)
}
