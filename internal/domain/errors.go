package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrRateLimited     = errors.New("rate limited")
	ErrWSDisconnect    = errors.New("websocket disconnected")
	ErrStaleTimestamp  = errors.New("non-monotonic timestamp")
	ErrMalformedRecord = errors.New("malformed record")
	ErrInvalidConfig   = errors.New("invalid configuration")
)
