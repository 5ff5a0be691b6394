package record

// Tombstone is a persistent deletion marker. A tombstone for either
// identity form of a record suppresses that record on every replica,
// indefinitely; markers are never garbage collected.
type Tombstone struct {
	ID        string `json:"id"`
	DeletedAt int64  `json:"deletedAt"`
	DeletedBy string `json:"deletedBy,omitempty"`
}

// TombstoneSet indexes tombstones by id for membership checks.
type TombstoneSet map[string]Tombstone

// NewTombstoneSet builds a set from a list of markers, keeping the
// earliest DeletedAt when the same id appears twice.
func NewTombstoneSet(marks ...Tombstone) TombstoneSet {
	s := make(TombstoneSet, len(marks))
	for _, m := range marks {
		s.Add(m)
	}
	return s
}

// Add inserts a marker, deduplicating by id.
func (s TombstoneSet) Add(m Tombstone) {
	if m.ID == "" {
		return
	}
	if prev, ok := s[m.ID]; ok && prev.DeletedAt != 0 && (m.DeletedAt == 0 || prev.DeletedAt <= m.DeletedAt) {
		return
	}
	s[m.ID] = m
}

// Contains reports whether id is marked deleted.
func (s TombstoneSet) Contains(id string) bool {
	if id == "" {
		return false
	}
	_, ok := s[id]
	return ok
}

// Union merges other into s and reports whether s grew.
func (s TombstoneSet) Union(other TombstoneSet) bool {
	grew := false
	for id, m := range other {
		if _, ok := s[id]; !ok {
			grew = true
		}
		s.Add(m)
	}
	return grew
}

// List returns the markers in unspecified order.
func (s TombstoneSet) List() []Tombstone {
	out := make([]Tombstone, 0, len(s))
	for _, m := range s {
		out = append(out, m)
	}
	return out
}

// IsTombstoned reports whether either identity of rec is marked deleted.
func IsTombstoned(rec Record, set TombstoneSet) bool {
	return set.Contains(rec.LocalID) || set.Contains(rec.RemoteID)
}
