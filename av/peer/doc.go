// Package peer is the peer-to-peer media transport of a call.
//
// A Transport wraps one pion PeerConnection plus a reliable data channel.
// Everything the remote side does reaches the caller as an Event on the
// Events channel:
//
//	EventSignal   a complete local description to forward over signaling
//	EventStream   the remote media stream arrived
//	EventConnect  the handshake completed
//	EventData     a decoded data-channel message
//	EventError    a transport failure; see IsRecoverable
//	EventClose    the remote side closed the connection
//
// Trickle ICE is not used: descriptions are emitted only after candidate
// gathering completes, so one offer and one answer are enough to connect.
package peer
