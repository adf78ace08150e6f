package storage

import (
	"sort"
	"strings"
	"sync"
)

// Session holds the fingerprints one client session has observed, keyed by table name,
// and an optional override of the process-wide optimistic-lock toggle.
type Session struct {
	id string

	mu           sync.RWMutex
	fingerprints map[string]string
	lockOverride *bool

	// changed holds tables recorded or forgotten since the last MarkPersisted.
	changed     map[string]struct{}
	lockChanged bool
}

// SessionChanges is what a session gained or lost since it was restored or last persisted.
type SessionChanges struct {
	Recorded     map[string]string
	Forgotten    []string
	LockChanged  bool
	LockOverride *bool
}

// NewSession returns an empty session.
func NewSession(id string) *Session {
	return &Session{
		id:           id,
		fingerprints: make(map[string]string),
		changed:      make(map[string]struct{}),
	}
}

// RestoreSession rebuilds a session from persisted state.
func RestoreSession(id string, fingerprints map[string]string, lockOverride *bool) *Session {
	session := NewSession(id)
	for table, fingerprint := range fingerprints {
		session.fingerprints[table] = fingerprint
	}
	if lockOverride != nil {
		enabled := *lockOverride
		session.lockOverride = &enabled
	}
	return session
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Fingerprint returns the fingerprint recorded for the table, if any.
func (s *Session) Fingerprint(table string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fingerprint, ok := s.fingerprints[fingerprintKey(table)]
	return fingerprint, ok
}

// Record stores the fingerprint observed for the table.
func (s *Session) Record(table, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fingerprintKey(table)
	s.fingerprints[key] = fingerprint
	s.changed[key] = struct{}{}
}

// Forget drops the recorded fingerprint so the next save is not checked.
func (s *Session) Forget(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fingerprintKey(table)
	delete(s.fingerprints, key)
	s.changed[key] = struct{}{}
}

// Fingerprints returns a copy of every recorded fingerprint.
func (s *Session) Fingerprints() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copied := make(map[string]string, len(s.fingerprints))
	for table, fingerprint := range s.fingerprints {
		copied[table] = fingerprint
	}
	return copied
}

// SetOptimisticLock overrides the process-wide toggle for this session.
func (s *Session) SetOptimisticLock(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockOverride = &enabled
	s.lockChanged = true
}

// ClearOptimisticLock removes the session override.
func (s *Session) ClearOptimisticLock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockOverride = nil
	s.lockChanged = true
}

// OptimisticLockOverride returns the session override, or nil when none is set.
func (s *Session) OptimisticLockOverride() *bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lockOverride == nil {
		return nil
	}
	enabled := *s.lockOverride
	return &enabled
}

// Changes returns the fingerprints recorded and forgotten since the session was restored or
// last persisted, so a store can write them without touching tables it did not see.
func (s *Session) Changes() SessionChanges {
	s.mu.RLock()
	defer s.mu.RUnlock()
	changes := SessionChanges{
		Recorded:    make(map[string]string, len(s.changed)),
		LockChanged: s.lockChanged,
	}
	for table := range s.changed {
		if fingerprint, ok := s.fingerprints[table]; ok {
			changes.Recorded[table] = fingerprint
			continue
		}
		changes.Forgotten = append(changes.Forgotten, table)
	}
	sort.Strings(changes.Forgotten)
	if s.lockOverride != nil {
		enabled := *s.lockOverride
		changes.LockOverride = &enabled
	}
	return changes
}

// MarkPersisted clears the change set.
func (s *Session) MarkPersisted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changed = make(map[string]struct{})
	s.lockChanged = false
}

// LockEnabled resolves the effective toggle given the process default.
func (s *Session) LockEnabled(processDefault bool) bool {
	if override := s.OptimisticLockOverride(); override != nil {
		return *override
	}
	return processDefault
}

func fingerprintKey(table string) string {
	return strings.ToLower(strings.TrimSpace(table))
}
