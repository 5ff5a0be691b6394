package engine

import "errors"

// Engine-specific errors
var (
	ErrEngineClosed = errors.New("sync engine is closed")
	ErrEngineBusy   = errors.New("sync cycle skipped, engine busy")
	// ErrIdentityConflict marks the defensive invariant check: two local
	// records claiming the same remote id. Should not occur given the
	// allocate-then-persist discipline in the push path.
	ErrIdentityConflict = errors.New("duplicate remote id across local records")
)
