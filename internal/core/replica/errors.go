package replica

import "errors"

// Replica-specific errors
var (
	ErrRemoteWrite   = errors.New("remote write failed")
	ErrRemoteRead    = errors.New("remote read failed")
	ErrNotConnected  = errors.New("not connected to remote")
	ErrClientClosed  = errors.New("replica client is closed")
	ErrInvalidConfig = errors.New("invalid replica configuration")
)
