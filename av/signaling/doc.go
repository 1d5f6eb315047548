// Package signaling carries the out-of-band messages that set up a call:
// invitations, acknowledgements, the complete SDP offer and answer, and the
// reject, busy and hangup notices.
//
// The Relay contract is deliberately weak: delivery and ordering are not
// guaranteed and a message may arrive twice. Every Envelope carries the
// sender id and a per-sender sequence number so receivers can drop
// duplicates with a Deduper.
//
// Three implementations are provided:
//
//   - MemoryRelay connects managers living in one process
//   - WSRelay is a websocket client of a relay Hub
//   - Hub is the server side, fanning envelopes out per channel
//
// Channels are plain strings. A manager listens on its participant id for
// incoming invitations and on the session id for everything else.
package signaling
