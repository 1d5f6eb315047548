package peer

import "errors"

var (
	// ErrChannelNotOpen indicates Send was called before the data channel
	// opened or after it closed.
	ErrChannelNotOpen = errors.New("data channel not open")

	// ErrICEFailed indicates connectivity checks failed. It is recoverable
	// with one ICE restart.
	ErrICEFailed = errors.New("ice connection failed")

	// ErrTransportClosed indicates the transport has been closed.
	ErrTransportClosed = errors.New("transport closed")

	// ErrNoVideoSender indicates there is no outgoing video track to replace.
	ErrNoVideoSender = errors.New("no video sender")

	// ErrUnexpectedDescription indicates a description of the wrong type for
	// this side of the negotiation.
	ErrUnexpectedDescription = errors.New("unexpected session description")

	// ErrUnknownMessageType indicates a data message of an unknown type.
	ErrUnknownMessageType = errors.New("unknown data message type")
)

// IsRecoverable reports whether err can be fixed by an ICE restart. Any
// other transport error ends the call.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrICEFailed)
}
