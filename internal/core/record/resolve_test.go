package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityMatches(t *testing.T) {
	tests := []struct {
		name string
		a, b Record
		want bool
	}{
		{
			name: "same remote id",
			a:    Record{LocalID: "a1", RemoteID: "r1"},
			b:    Record{LocalID: "b1", RemoteID: "r1"},
			want: true,
		},
		{
			name: "same local id",
			a:    Record{LocalID: "a1"},
			b:    Record{LocalID: "a1", RemoteID: "r9"},
			want: true,
		},
		{
			name: "remote id bridges to foreign local id",
			a:    Record{LocalID: "a1", RemoteID: "r1"},
			b:    Record{LocalID: "r1"},
			want: true,
		},
		{
			name: "local id bridges to foreign remote id",
			a:    Record{LocalID: "L1"},
			b:    Record{LocalID: "b1", RemoteID: "L1"},
			want: true,
		},
		{
			name: "no overlap",
			a:    Record{LocalID: "a1", RemoteID: "r1"},
			b:    Record{LocalID: "b1", RemoteID: "r2"},
			want: false,
		},
		{
			name: "empty ids never match",
			a:    Record{},
			b:    Record{},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IdentityMatches(tt.a, tt.b))
			assert.Equal(t, tt.want, IdentityMatches(tt.b, tt.a), "matching must be symmetric")
		})
	}
}

func TestResolve(t *testing.T) {
	older := Record{LocalID: "c", SyncedAt: 500, Fields: Fields{"amount": 10}}
	newer := Record{LocalID: "c", RemoteID: "rc", SyncedAt: 900, Fields: Fields{"amount": 20}}

	t.Run("higher syncedAt wins", func(t *testing.T) {
		got := Resolve(&older, &newer)
		assert.Equal(t, int64(900), got.SyncedAt)
		assert.Equal(t, 20, got.Fields["amount"])
	})

	t.Run("tie prefers local", func(t *testing.T) {
		local := Record{LocalID: "c", SyncedAt: 700, Fields: Fields{"amount": 1}}
		remote := Record{LocalID: "c", RemoteID: "rc", SyncedAt: 700, Fields: Fields{"amount": 2}}
		got := Resolve(&local, &remote)
		assert.Equal(t, 1, got.Fields["amount"])
	})

	t.Run("nil side returns the other", func(t *testing.T) {
		assert.Equal(t, newer, Resolve(nil, &newer))
		assert.Equal(t, older, Resolve(&older, nil))
		assert.True(t, Resolve(nil, nil).IsZero())
	})

	t.Run("remote id never dropped", func(t *testing.T) {
		local := Record{LocalID: "c", SyncedAt: 1000}
		remote := Record{LocalID: "c", RemoteID: "rc", SyncedAt: 100}
		got := Resolve(&local, &remote)
		assert.Equal(t, "rc", got.RemoteID, "winner without a remote id must inherit the loser's")
	})

	t.Run("commutative for distinct syncedAt", func(t *testing.T) {
		ab := Resolve(&older, &newer)
		ba := Resolve(&newer, &older)
		assert.Equal(t, ab, ba)
	})
}

func TestTombstoneSet(t *testing.T) {
	set := NewTombstoneSet(
		Tombstone{ID: "a", DeletedAt: 100, DeletedBy: "dev-1"},
		Tombstone{ID: "a", DeletedAt: 200, DeletedBy: "dev-2"},
		Tombstone{ID: "rb", DeletedAt: 50},
	)

	assert.Len(t, set, 2, "insert deduplicates by id")
	assert.Equal(t, int64(100), set["a"].DeletedAt, "earliest marker kept")
	assert.True(t, set.Contains("a"))
	assert.False(t, set.Contains(""))

	grew := set.Union(NewTombstoneSet(Tombstone{ID: "c", DeletedAt: 1}))
	assert.True(t, grew)
	assert.False(t, set.Union(NewTombstoneSet(Tombstone{ID: "c", DeletedAt: 9})))

	assert.True(t, IsTombstoned(Record{LocalID: "x", RemoteID: "rb"}, set))
	assert.True(t, IsTombstoned(Record{LocalID: "a"}, set))
	assert.False(t, IsTombstoned(Record{LocalID: "x", RemoteID: "rx"}, set))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := Record{
		LocalID:       "l1",
		RemoteID:      "r1",
		SyncedAt:      1234,
		OwnerDeviceID: "dev-1",
		Fields:        Fields{"amount": "99.90", "description": "groceries"},
	}

	got := Decode(rec.Encode())
	assert.Equal(t, rec, got)

	t.Run("unknown keys preserved", func(t *testing.T) {
		payload := rec.Encode()
		payload["futureField"] = true
		got := Decode(payload)
		assert.Equal(t, true, got.Fields["futureField"])
	})

	t.Run("float timestamps from json", func(t *testing.T) {
		got := Decode(map[string]any{"localId": "x", "syncedAt": float64(42)})
		assert.Equal(t, int64(42), got.SyncedAt)
	})
}
