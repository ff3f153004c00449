package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies page <-> interceptor messages.
type MessageType string

const (
	// Page to interceptor
	MsgNetworkStatus MessageType = "NETWORK_STATUS"
	MsgSkipWaiting   MessageType = "SKIP_WAITING"

	// Interceptor to page
	MsgOfflineRequest MessageType = "OFFLINE_REQUEST"
	MsgTriggerSync    MessageType = "TRIGGER_SYNC"

	// Agent to page UI components
	MsgConnectivityChange MessageType = "CONNECTIVITY_CHANGE"
	MsgSyncEvent          MessageType = "SYNC_EVENT"
)

// Message is the envelope exchanged over the page channel. Payload fields
// are flattened next to the type, as pages post them.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"-"`
}

// NetworkStatus tells the interceptor the page's current belief.
type NetworkStatus struct {
	IsOnline bool `json:"isOnline"`
}

// OfflineRequestNotice reports a mutating request answered locally.
// Timestamp is in Unix milliseconds.
type OfflineRequestNotice struct {
	Method    string `json:"method"`
	URL       string `json:"url"`
	Timestamp int64  `json:"timestamp"`
}

// Time returns the notice timestamp.
func (n OfflineRequestNotice) Time() time.Time {
	return time.UnixMilli(n.Timestamp)
}

// TriggerSync asks the page side to drain its queue.
type TriggerSync struct {
	Tag string `json:"tag"`
}

// SyncEventNotice mirrors a queue event to page UI components.
type SyncEventNotice struct {
	Event SyncEventType `json:"event"`
	Data  interface{}   `json:"data,omitempty"`
}

// NewMessage builds a message with the payload fields.
func NewMessage(t MessageType, payload interface{}) (Message, error) {
	msg := Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return msg, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	msg.Data = data
	return msg, nil
}

// MarshalJSON flattens the payload object into the envelope.
func (m Message) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &fields); err != nil {
			return nil, fmt.Errorf("payload of %s is not an object: %w", m.Type, err)
		}
	}
	typ, _ := json.Marshal(m.Type)
	fields["type"] = typ
	return json.Marshal(fields)
}

// UnmarshalJSON reads the type and keeps the rest of the object as payload.
func (m *Message) UnmarshalJSON(data []byte) error {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	if head.Type == "" {
		return fmt.Errorf("message has no type")
	}
	m.Type = head.Type
	m.Data = append(m.Data[:0], data...)
	return nil
}

// ParseMessage parses a raw page message.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	return &msg, nil
}

// ParseMessageData decodes the payload based on message type.
func ParseMessageData(msg *Message) (interface{}, error) {
	switch msg.Type {
	case MsgNetworkStatus:
		var data NetworkStatus
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("parse network status: %w", err)
		}
		return &data, nil

	case MsgSkipWaiting:
		return nil, nil

	case MsgOfflineRequest:
		var data OfflineRequestNotice
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("parse offline request: %w", err)
		}
		return &data, nil

	case MsgTriggerSync:
		var data TriggerSync
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("parse trigger sync: %w", err)
		}
		return &data, nil

	case MsgConnectivityChange:
		var data ConnectivityChange
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("parse connectivity change: %w", err)
		}
		return &data, nil

	case MsgSyncEvent:
		var data SyncEventNotice
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("parse sync event: %w", err)
		}
		return &data, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}
}
