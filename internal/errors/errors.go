package errors

import "errors"

// Sync precondition errors.
var (
	ErrSyncDisabled        = errors.New("sync is disabled")
	ErrIdentityUnavailable = errors.New("identity not yet available")
)

// Remote service errors.
var (
	ErrServerRejected   = errors.New("sync server rejected request")
	ErrEmptyResponse    = errors.New("sync response carried no usable data")
	ErrMalformedPayload = errors.New("malformed sync payload")
)
