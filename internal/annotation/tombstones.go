package annotation

// TombstoneSet records annotation identifiers deleted locally and not yet
// acknowledged by the remote store. Insertion is idempotent so repeated
// deletions of the same identifier never accumulate, and membership checks
// are O(1). The zero value is not usable; construct with NewTombstoneSet.
type TombstoneSet struct {
	members map[string]struct{}
	order   []string
}

// NewTombstoneSet builds a set seeded with the provided identifiers,
// deduplicating while preserving first-seen order.
func NewTombstoneSet(ids ...string) *TombstoneSet {
	set := &TombstoneSet{members: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		set.Record(id)
	}
	return set
}

// Record adds an identifier to the set. It reports whether the set changed;
// empty identifiers and repeats are ignored.
func (s *TombstoneSet) Record(id string) bool {
	if id == "" {
		return false
	}
	if _, exists := s.members[id]; exists {
		return false
	}
	s.members[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

// Contains reports whether the identifier is recorded. A nil set contains
// nothing, so callers may pass an absent tombstone list without a guard.
func (s *TombstoneSet) Contains(id string) bool {
	if s == nil {
		return false
	}
	_, exists := s.members[id]
	return exists
}

// Len returns the number of pending identifiers.
func (s *TombstoneSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.members)
}

// Snapshot returns the pending identifiers in insertion order. The returned
// slice is a copy; mutating it does not affect the set.
func (s *TombstoneSet) Snapshot() []string {
	if s == nil || len(s.order) == 0 {
		return nil
	}
	snapshot := make([]string, len(s.order))
	copy(snapshot, s.order)
	return snapshot
}

// Clear removes every identifier. Called after a push that carried the set
// succeeds; a failed push leaves the set untouched for the next attempt.
func (s *TombstoneSet) Clear() {
	s.members = make(map[string]struct{})
	s.order = nil
}
