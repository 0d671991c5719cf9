package notify

import (
	"encoding/json"

	"github.com/helpme/helpme/pkg/alerts"
	"github.com/helpme/helpme/pkg/unread"
)

// Client actions
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Server message types
const (
	TypeSnapshot     = "snapshot"
	TypeAlert        = "alert"
	TypeUnreadUpdate = "unread-update"
	TypeError        = "error"
)

// ClientMessage is a frame sent by a client
type ClientMessage struct {
	Action   string `json:"action"`
	CourseID int64  `json:"courseId"`
}

// ServerMessage is a frame sent to a client. Seq increases per course on
// each hub; a snapshot carries the sequence it is current as of.
type ServerMessage struct {
	Type     string          `json:"type"`
	CourseID int64           `json:"courseId,omitempty"`
	Seq      uint64          `json:"seq"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Snapshot is the state a subscriber starts from
type Snapshot struct {
	CourseID int64          `json:"courseId"`
	Alerts   []alerts.Alert `json:"alerts"`
	Unread   unread.Summary `json:"unread"`
}

// ErrorPayload carries a user-facing error
type ErrorPayload struct {
	Message string `json:"message"`
}

func encode(msgType string, courseID int64, seq uint64, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ServerMessage{Type: msgType, CourseID: courseID, Seq: seq, Payload: raw})
}
