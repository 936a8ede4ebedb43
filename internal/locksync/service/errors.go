package service

import "errors"

var (
	ErrNotReady     = errors.New("service: link or session not ready")
	ErrQueryFailure = errors.New("service: credential query failed")
	ErrWriteFailure = errors.New("service: event write failed")

	ErrInvalidLockID    = errors.New("lock_id is required and must not contain '/'")
	ErrInvalidTimestamp = errors.New("timestamp is required and must not contain '/'")
)
