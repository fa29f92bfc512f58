package replica

import "errors"

// errors.go provides all custom error types for the replica package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// transport-level failures. these trigger the reconnection policy and never
// crash the process.
var (
	ErrConnectionClosed   = errors.New("connection closed")
	ErrConnectionNotReady = errors.New("connection not ready")
	ErrSendBufferFull     = errors.New("send buffer full")
	ErrHandshakeRejected  = errors.New("handshake rejected")
)

// inbound message failures. the message is dropped and logged, no retry.
var (
	ErrValidation   = errors.New("message validation failed")
	ErrStaleMessage = errors.New("stale message sequence")
	ErrDuplicate    = errors.New("duplicate message")
)

// used by the change tracker and dispatcher authority gates
var (
	ErrAuthority = errors.New("writer lacks authority")
)

// a single field failed to encode or decode. isolated per field so one bad
// field does not void the rest of the batch.
var (
	ErrSerialization = errors.New("field serialization failed")
)

// used by the identity registry
var (
	ErrIdentityExists   = errors.New("identity already registered")
	ErrIdentityNotFound = errors.New("identity not found")
)
