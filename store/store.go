// Package store is the in-memory entity cache shared by every observer of a
// session. Entries are immutable snapshots: writers replace data, they never
// edit it in place.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when patching a key that holds no snapshot.
	ErrNotFound = errors.New("store: key not found")
	// ErrSuperseded is returned by PatchFrom when a fetch replaced the base
	// the caller patched against.
	ErrSuperseded = errors.New("store: snapshot superseded by fetch")
)

// Entry is the snapshot held under a key.
type Entry struct {
	Key           string
	Data          any
	Stale         bool
	LastFetchedAt time.Time
	// Version changes on every write, invalidation included, and identifies
	// the snapshot.
	Version uint64
	// Base is the Version written by the last Set. Patches keep it.
	Base uint64
}

// Listener receives the entry after every write to a subscribed key.
type Listener func(Entry)

type subscription struct {
	key string // "" subscribes to all keys
	fn  Listener
}

type delivery struct {
	listeners []Listener
	entry     Entry
}

// Store is safe for concurrent use. Listeners run after the store lock has
// been released, so they may read and write the store. Entries reach
// listeners in write order: a write made while another goroutine is
// delivering is handed to that goroutine.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	subs    map[uint64]subscription
	nextSub uint64
	version uint64

	pending    []delivery
	delivering bool
	holds      map[string]int

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for LastFetchedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]Entry),
		subs:    make(map[uint64]subscription),
		holds:   make(map[string]int),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the snapshot under key.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// Set replaces the snapshot under key with fetched data, clearing staleness.
func (s *Store) Set(key string, data any) Entry {
	s.mu.Lock()
	s.version++
	e := Entry{
		Key:           key,
		Data:          data,
		LastFetchedAt: s.now(),
		Version:       s.version,
		Base:          s.version,
	}
	s.entries[key] = e
	s.publishUnlock(key, e)
	return e
}

// SetIfVersion is Set for a fetch that started when key was at version
// expect (0 for absent). It reports false and leaves the entry alone when a
// write or invalidation landed since, or while the key is held, so a
// response read before a local change cannot overwrite it.
func (s *Store) SetIfVersion(key string, data any, expect uint64) (Entry, bool) {
	s.mu.Lock()
	cur, ok := s.entries[key]
	if s.holds[key] > 0 || (ok && cur.Version != expect) || (!ok && expect != 0) {
		s.mu.Unlock()
		return cur, false
	}
	s.version++
	e := Entry{
		Key:           key,
		Data:          data,
		LastFetchedAt: s.now(),
		Version:       s.version,
		Base:          s.version,
	}
	s.entries[key] = e
	s.publishUnlock(key, e)
	return e, true
}

// Patch replaces the snapshot under key with fn applied to it. Staleness and
// LastFetchedAt are left untouched so that a later Set still supersedes the
// patched data. fn must not modify its argument.
func (s *Store) Patch(key string, fn func(current any) (any, error)) (Entry, error) {
	return s.patch(key, 0, fn)
}

// PatchFrom is Patch restricted to snapshots derived from the fetch with
// version base. It returns ErrSuperseded once a newer Set replaced that base.
func (s *Store) PatchFrom(key string, base uint64, fn func(current any) (any, error)) (Entry, error) {
	if base == 0 {
		return Entry{}, fmt.Errorf("patch %s: zero base: %w", key, ErrSuperseded)
	}
	return s.patch(key, base, fn)
}

func (s *Store) patch(key string, base uint64, fn func(current any) (any, error)) (Entry, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("patch %s: %w", key, ErrNotFound)
	}
	if base != 0 && e.Base != base {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("patch %s: %w", key, ErrSuperseded)
	}
	next, err := fn(e.Data)
	if err != nil {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("patch %s: %w", key, err)
	}
	s.version++
	e.Data = next
	e.Version = s.version
	s.entries[key] = e
	s.publishUnlock(key, e)
	return e, nil
}

// Restore puts data back under key only if the entry is still at version
// expect. It reports false when the key is gone or a newer write superseded
// the expected snapshot.
func (s *Store) Restore(key string, data any, expect uint64) (Entry, bool) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.Version != expect {
		s.mu.Unlock()
		return e, false
	}
	s.version++
	e.Data = data
	e.Version = s.version
	s.entries[key] = e
	s.publishUnlock(key, e)
	return e, true
}

// MarkStale flags the entry under key for refetch. Data is kept and served
// until the next Set. The version moves even when the entry already was
// stale, so fetches started before the invalidation cannot clear it.
// Listeners hear only the transition to stale. It reports false when key is
// absent.
func (s *Store) MarkStale(key string) (Entry, bool) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return Entry{}, false
	}
	s.version++
	e.Version = s.version
	wasStale := e.Stale
	e.Stale = true
	s.entries[key] = e
	if wasStale {
		s.mu.Unlock()
		return e, true
	}
	s.publishUnlock(key, e)
	return e, true
}

// Hold keeps SetIfVersion from replacing keys until release is called. A
// mutation holds the keys it patches while its request is outstanding.
// Holds nest; release is idempotent.
func (s *Store) Hold(keys ...string) (release func()) {
	s.mu.Lock()
	for _, k := range keys {
		s.holds[k]++
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			for _, k := range keys {
				if s.holds[k]--; s.holds[k] <= 0 {
					delete(s.holds, k)
				}
			}
			s.mu.Unlock()
		})
	}
}

// Keys returns every key present, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// StaleKeys returns the keys currently flagged stale, sorted.
func (s *Store) StaleKeys() []string {
	s.mu.RLock()
	var keys []string
	for k, e := range s.entries {
		if e.Stale {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Clear drops every entry, e.g. when the session ends. Subscriptions are kept.
func (s *Store) Clear() {
	s.mu.Lock()
	n := len(s.entries)
	s.entries = make(map[string]Entry)
	s.mu.Unlock()
	s.logger.Debug("store cleared", slog.Int("entries", n))
}

// Subscribe registers fn for writes to key. The returned func removes the
// subscription; it does not affect writes already in progress.
func (s *Store) Subscribe(key string, fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = subscription{key: key, fn: fn}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// SubscribeAll registers fn for writes to any key.
func (s *Store) SubscribeAll(fn Listener) (unsubscribe func()) {
	return s.Subscribe("", fn)
}

func (s *Store) listenersLocked(key string) []Listener {
	var out []Listener
	ids := make([]uint64, 0, len(s.subs))
	for id, sub := range s.subs {
		if sub.key == "" || sub.key == key {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		out = append(out, s.subs[id].fn)
	}
	return out
}

// publishUnlock queues e for the listeners of key, releases s.mu and, unless
// another goroutine already is, delivers queued entries in order. s.mu must
// be held.
func (s *Store) publishUnlock(key string, e Entry) {
	if listeners := s.listenersLocked(key); len(listeners) > 0 {
		s.pending = append(s.pending, delivery{listeners: listeners, entry: e})
	}
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for len(s.pending) > 0 {
		d := s.pending[0]
		s.pending[0] = delivery{}
		s.pending = s.pending[1:]
		s.mu.Unlock()
		notify(d.listeners, d.entry)
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}

func notify(listeners []Listener, e Entry) {
	for _, fn := range listeners {
		fn(e)
	}
}

// Value returns the data under key asserted to T. It reports false when the
// key is absent or holds a different type.
func Value[T any](s *Store, key string) (T, bool) {
	e, ok := s.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	v, ok := e.Data.(T)
	return v, ok
}
