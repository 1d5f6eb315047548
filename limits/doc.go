// Package limits provides centralized size constants and validation functions
// for call-session traffic.
//
// # Size Hierarchy
//
//   - MaxChatMessage (4 KiB): chat text sent over the peer data channel.
//
//   - MaxDataChannelMessage (16 KiB): one encoded data-channel envelope. SCTP
//     messages above this size are not reliably delivered by every WebRTC stack.
//
//   - MaxSignalPayload (64 KiB): one complete session description. Candidates are
//     not trickled, so the description carries every gathered candidate.
//
//   - MaxRelayFrame (1MB): the absolute maximum for one frame read by the relay.
//
// # Validation Functions
//
// Each validation function checks for empty input and size limit violations:
//
//	if err := limits.ValidateChatMessage(text); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// For custom size limits, use the generic ValidateMessageSize function:
//
//	err := limits.ValidateMessageSize(data, 4096)
package limits
