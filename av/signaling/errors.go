package signaling

import "errors"

// Envelope errors
var (
	// ErrUnknownType indicates an envelope type this version does not handle.
	ErrUnknownType = errors.New("unknown envelope type")

	// ErrMissingSession indicates an envelope without a session id.
	ErrMissingSession = errors.New("envelope has no session id")

	// ErrMissingPayload indicates an envelope whose payload is required but empty.
	ErrMissingPayload = errors.New("envelope payload missing")

	// ErrGarbledPayload indicates a payload that does not decode.
	ErrGarbledPayload = errors.New("envelope payload garbled")
)

// Relay errors
var (
	// ErrRelayClosed indicates the relay has been closed.
	ErrRelayClosed = errors.New("relay closed")

	// ErrEmptyChannel indicates a send or subscribe without a channel name.
	ErrEmptyChannel = errors.New("empty channel name")
)
