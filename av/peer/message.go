package peer

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the type of a data-channel message.
type MessageType string

// Data-channel message types
const (
	MessageChat         MessageType = "chat"
	MessageMediaControl MessageType = "media-control"
	MessageCallEnd      MessageType = "call-end"
)

// Media-control actions
const (
	ActionVideoOn        = "video-on"
	ActionVideoOff       = "video-off"
	ActionAudioOn        = "audio-on"
	ActionAudioOff       = "audio-off"
	ActionScreenShareOn  = "screen-share-on"
	ActionScreenShareOff = "screen-share-off"
)

// DataMessage is the JSON envelope sent over the data channel.
type DataMessage struct {
	Type      MessageType `json:"type"`
	Content   string      `json:"content,omitempty"`
	Action    string      `json:"action,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Chat builds a chat message.
func Chat(content string) DataMessage {
	return DataMessage{Type: MessageChat, Content: content, Timestamp: time.Now().UnixMilli()}
}

// MediaControl builds a media-control message.
func MediaControl(action string) DataMessage {
	return DataMessage{Type: MessageMediaControl, Action: action, Timestamp: time.Now().UnixMilli()}
}

// CallEnd builds a call-end message.
func CallEnd() DataMessage {
	return DataMessage{Type: MessageCallEnd, Timestamp: time.Now().UnixMilli()}
}

// ParseDataMessage decodes a data-channel message. Messages of unknown type
// return ErrUnknownMessageType.
func ParseDataMessage(data []byte) (DataMessage, error) {
	var msg DataMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode data message: %w", err)
	}
	switch msg.Type {
	case MessageChat, MessageMediaControl, MessageCallEnd:
		return msg, nil
	default:
		return msg, fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
	}
}
