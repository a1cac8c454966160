package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrRateLimited  = errors.New("rate limited")
	ErrQueueFull    = errors.New("queue full")
	ErrStorage      = errors.New("storage unavailable")
	ErrBadRequest   = errors.New("bad request")
	ErrKeyDisabled  = errors.New("api key disabled")
	ErrWaitTimeout  = errors.New("wait timeout exceeded")
)
