package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType represents the type of a socket frame
type MessageType string

const (
	// Device to server
	MsgTypeIdentify  MessageType = "identify"
	MsgTypeReading   MessageType = "reading"
	MsgTypeKeepalive MessageType = "keepalive"

	// Server to device
	MsgTypeAck MessageType = "ack"
)

// BaseMessage is the common structure for all frames
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// IdentifyMessage is the first frame a device sends after connecting
type IdentifyMessage struct {
	Type     MessageType `json:"type"`
	DeviceID string      `json:"deviceId"`
	Token    string      `json:"token"`
}

// ReadingMessage carries one reading payload. Data is handed to the
// ingestion gateway as-is so every transport validates it the same way.
type ReadingMessage struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// KeepaliveMessage resets the inactivity timer
type KeepaliveMessage struct {
	Type MessageType `json:"type"`
}

// AckMessage is sent by the server in response to every frame
type AckMessage struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
	Reason string      `json:"reason,omitempty"`
}

// AckStatus constants
const (
	AckStatusIdentified = "identified"
	AckStatusAccepted   = "accepted"
	AckStatusRejected   = "rejected"
	AckStatusAlive      = "alive"
	AckStatusError      = "error"
)

// ParseMessage parses a JSON line into the appropriate frame type
func ParseMessage(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch base.Type {
	case MsgTypeIdentify:
		var msg IdentifyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid identify message: %w", err)
		}
		if err := validateIdentify(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MsgTypeReading:
		var msg ReadingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid reading message: %w", err)
		}
		if len(msg.Data) == 0 || string(msg.Data) == "null" {
			return nil, fmt.Errorf("reading data is required")
		}
		return &msg, nil

	case MsgTypeKeepalive:
		return &KeepaliveMessage{Type: MsgTypeKeepalive}, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", base.Type)
	}
}

func validateIdentify(msg *IdentifyMessage) error {
	if msg.DeviceID == "" {
		return fmt.Errorf("deviceId is required")
	}
	if msg.Token == "" {
		return fmt.Errorf("token is required")
	}
	return nil
}

// EncodeMessage encodes a frame to JSON
func EncodeMessage(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}

// NewAckMessage creates a new acknowledgment frame
func NewAckMessage(status string) *AckMessage {
	return &AckMessage{
		Type:   MsgTypeAck,
		Status: status,
	}
}

// NewRejectAck creates an acknowledgment carrying a rejection reason
func NewRejectAck(status, reason string) *AckMessage {
	return &AckMessage{
		Type:   MsgTypeAck,
		Status: status,
		Reason: reason,
	}
}
