package store

import "errors"

// Store-specific errors
var (
	ErrStorage     = errors.New("local storage write failed")
	ErrStoreClosed = errors.New("store is closed")
)
