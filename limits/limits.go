package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxChatMessage is the largest chat text accepted for the data channel (4 KiB)
	MaxChatMessage = 4096

	// MaxDataChannelMessage is the largest single data-channel message (16 KiB).
	// Larger SCTP messages are not portable across WebRTC implementations.
	MaxDataChannelMessage = 16384

	// MaxSignalPayload is the largest session description carried by one envelope.
	// Non-trickle descriptions embed every gathered candidate, so this is generous.
	MaxSignalPayload = 64 * 1024

	// MaxRelayFrame is the absolute maximum for one relay frame read off a websocket.
	// This prevents memory exhaustion from misbehaving peers (1MB limit)
	MaxRelayFrame = 1024 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateChatMessage validates chat text against MaxChatMessage.
func ValidateChatMessage(text string) error {
	if len(text) == 0 {
		return ErrMessageEmpty
	}
	if len(text) > MaxChatMessage {
		return fmt.Errorf("%w: chat size %d exceeds limit %d", ErrMessageTooLarge, len(text), MaxChatMessage)
	}
	return nil
}

// ValidateDataChannelMessage validates an encoded data-channel envelope.
func ValidateDataChannelMessage(message []byte) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > MaxDataChannelMessage {
		return fmt.Errorf("%w: data channel size %d exceeds limit %d", ErrMessageTooLarge, len(message), MaxDataChannelMessage)
	}
	return nil
}

// ValidateSignalPayload validates a session description before it is relayed.
func ValidateSignalPayload(payload string) error {
	if len(payload) == 0 {
		return ErrMessageEmpty
	}
	if len(payload) > MaxSignalPayload {
		return fmt.Errorf("%w: signal payload size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxSignalPayload)
	}
	return nil
}
