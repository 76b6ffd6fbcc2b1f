package kvstore

import "errors"

// Common store errors
var (
	// ErrKeyNotFound indicates the key is absent or its record expired
	ErrKeyNotFound = errors.New("key not found")

	// ErrStoreClosed indicates the store has been closed
	ErrStoreClosed = errors.New("store is closed")
)
