package record

// IdentityMatches reports whether a and b are two versions of the same
// logical record. The cross-check between LocalID and RemoteID is
// asymmetric on purpose: a record pushed from device A carries a LocalID
// that device B only ever observes embedded in a remotely keyed copy, so
// either identity of one side may line up with either identity of the
// other.
func IdentityMatches(a, b Record) bool {
	if a.RemoteID != "" && a.RemoteID == b.RemoteID {
		return true
	}
	if a.LocalID != "" && a.LocalID == b.LocalID {
		return true
	}
	if a.RemoteID != "" && a.RemoteID == b.LocalID {
		return true
	}
	if a.LocalID != "" && a.LocalID == b.RemoteID {
		return true
	}
	return false
}

// Resolve reconciles two versions of the same record. The version with the
// greater SyncedAt wins; on a tie the local copy wins. A previously
// assigned RemoteID is never dropped, whichever side carries it.
//
// Resolve is deterministic and, apart from the tie rule, commutative:
// swapping the arguments changes the result only when both SyncedAt values
// are equal.
func Resolve(local, remote *Record) Record {
	if local == nil && remote == nil {
		return Record{}
	}
	if local == nil {
		return *remote
	}
	if remote == nil {
		return *local
	}

	winner := *local
	loser := *remote
	if remote.SyncedAt > local.SyncedAt {
		winner, loser = *remote, *local
	}
	if winner.RemoteID == "" {
		winner.RemoteID = loser.RemoteID
	}
	return winner
}
