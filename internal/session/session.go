// Package session implements the process wide session store, holding state that outlives a single
// request such as cookie jars, OAuth2 tokens and variable snapshots.
//
// Entries may own a keep-alive job (e.g. refreshing a token before it expires), the job is
// referenced by a [Handle] rather than a closure so removing the entry can look it up and
// cancel it.
package session

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
)

// Handle identifies a scheduled keep-alive job, the zero Handle refers to no job.
type Handle cron.EntryID

// Entry is a single item of session state.
type Entry struct {
	Details     any    // Arbitrary payload, e.g. an *oauth2.Token or a cookie jar
	ID          string // Unique id of the entry
	Title       string // Short title for diagnostics
	Description string // Longer description for diagnostics
	Type        string // Type tag, e.g. "oauth2" or "cookies"
	KeepAlive   Handle // Optional keep-alive job, cancelled when the entry is removed
}

// Store is a concurrency safe, last write wins, map of session entries.
type Store struct {
	scheduler *cron.Cron
	entries   map[string]Entry
	mu        sync.Mutex
	running   bool
}

// New returns a new, empty [Store].
func New() *Store {
	return &Store{
		entries:   make(map[string]Entry),
		scheduler: cron.New(),
	}
}

// Get returns the entry with the given id.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	return entry, ok
}

// Set stores entry, replacing any existing entry with the same id.
//
// If the replaced entry had a different keep-alive job, that job is cancelled.
func (s *Store) Set(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[entry.ID]; ok && existing.KeepAlive != entry.KeepAlive {
		s.cancel(existing.KeepAlive)
	}

	s.entries[entry.ID] = entry
}

// Remove deletes the entry with the given id, cancelling its keep-alive job, and reports
// whether there was one.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return false
	}

	s.cancel(entry.KeepAlive)
	delete(s.entries, id)

	return true
}

// Reset removes every entry, cancelling all keep-alive jobs.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.entries {
		s.cancel(entry.KeepAlive)
	}

	clear(s.entries)
}

// List returns all entries sorted by id.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := slices.Collect(maps.Values(s.entries))
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.ID, b.ID) })

	return entries
}

// KeepAlive schedules fn to run on the given cron spec (e.g. "@every 5m") and returns its
// [Handle], to be stored on an [Entry].
//
// The scheduler is started on first use and stopped by [Store.Close].
func (s *Store) KeepAlive(spec string, fn func()) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.scheduler.AddFunc(spec, fn)
	if err != nil {
		return 0, fmt.Errorf("invalid keep-alive schedule %q: %w", spec, err)
	}

	if !s.running {
		s.scheduler.Start()
		s.running = true
	}

	return Handle(id), nil
}

// Scheduled returns the number of keep-alive jobs currently scheduled.
func (s *Store) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.scheduler.Entries())
}

// Close removes every entry and stops the keep-alive scheduler, waiting for any running
// job to finish.
func (s *Store) Close() {
	s.Reset()

	s.mu.Lock()
	running := s.running
	s.running = false
	s.mu.Unlock()

	if running {
		<-s.scheduler.Stop().Done()
	}
}

// cancel removes a keep-alive job, s.mu must be held.
func (s *Store) cancel(handle Handle) {
	if handle == 0 {
		return
	}

	s.scheduler.Remove(cron.EntryID(handle))
}
