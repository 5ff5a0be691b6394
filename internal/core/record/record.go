package record

import "encoding/json"

// Collection names a local record collection and, with a family prefix,
// the matching remote partition.
type Collection string

const (
	CollectionTransactions Collection = "transactions"
	CollectionGoals        Collection = "goals"
	CollectionCategories   Collection = "categories"

	// PartitionTombstones is the remote partition holding deletion markers.
	// The name is shared by all record kinds, not only transactions.
	PartitionTombstones = "deletedTransactions"
)

// DomainCollections lists the collections that hold live records.
func DomainCollections() []Collection {
	return []Collection{CollectionTransactions, CollectionGoals, CollectionCategories}
}

// Fields is the opaque domain payload of a record. The sync core replaces
// it wholesale on merge and never inspects individual keys.
type Fields map[string]any

// Record is a domain entity with dual identity. LocalID is assigned at
// creation on the originating device and never changes. RemoteID is
// assigned exactly once, on first successful push, and is stable
// thereafter. SyncedAt is the device clock at time of push (unix
// milliseconds) and serves only as a last-writer-wins tiebreaker.
type Record struct {
	LocalID       string `json:"localId"`
	RemoteID      string `json:"remoteId,omitempty"`
	SyncedAt      int64  `json:"syncedAt,omitempty"`
	OwnerDeviceID string `json:"ownerDeviceId,omitempty"`
	Fields        Fields `json:"fields,omitempty"`
}

// IsZero reports whether r carries no identity at all.
func (r Record) IsZero() bool {
	return r.LocalID == "" && r.RemoteID == ""
}

// Synced reports whether the record has been pushed at least once.
func (r Record) Synced() bool {
	return r.RemoteID != ""
}

// Encode flattens the record into a remote payload map. Domain fields and
// identity fields share the same flat namespace, matching the remote
// partition layout.
func (r Record) Encode() map[string]any {
	out := make(map[string]any, len(r.Fields)+4)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["localId"] = r.LocalID
	if r.RemoteID != "" {
		out["remoteId"] = r.RemoteID
	}
	if r.SyncedAt != 0 {
		out["syncedAt"] = r.SyncedAt
	}
	if r.OwnerDeviceID != "" {
		out["ownerDeviceId"] = r.OwnerDeviceID
	}
	return out
}

// Decode rebuilds a Record from a remote payload map. Unknown keys land in
// Fields untouched so payloads written by newer devices survive a round
// trip through older ones.
func Decode(payload map[string]any) Record {
	rec := Record{Fields: make(Fields)}
	for k, v := range payload {
		switch k {
		case "localId":
			rec.LocalID, _ = v.(string)
		case "remoteId":
			rec.RemoteID, _ = v.(string)
		case "syncedAt":
			rec.SyncedAt = toInt64(v)
		case "ownerDeviceId":
			rec.OwnerDeviceID, _ = v.(string)
		default:
			rec.Fields[k] = v
		}
	}
	return rec
}

// toInt64 accepts the numeric shapes a JSON round trip can produce.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
