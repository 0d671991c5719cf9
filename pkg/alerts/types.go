package alerts

import (
	"encoding/json"
	"time"
)

// Type identifies the event an alert reports
type Type string

const (
	TypeRephraseQuestion          Type = "rephraseQuestion"
	TypeEventEndedCheckoutStaff   Type = "eventEndedCheckoutStaff"
	TypePromptStudentToLeaveQueue Type = "promptStudentToLeaveQueue"
	TypeDocumentProcessed         Type = "documentProcessed"
	TypeAsyncQuestionUpdate       Type = "asyncQuestionUpdate"
)

// Valid reports whether t is a known alert type
func (t Type) Valid() bool {
	switch t {
	case TypeRephraseQuestion, TypeEventEndedCheckoutStaff, TypePromptStudentToLeaveQueue,
		TypeDocumentProcessed, TypeAsyncQuestionUpdate:
		return true
	}
	return false
}

// DeliveryMode controls how a client presents an alert
type DeliveryMode string

const (
	// ModeModal blocks the UI until acknowledged
	ModeModal DeliveryMode = "modal"
	// ModeFeed is listed passively
	ModeFeed DeliveryMode = "feed"
)

// Valid reports whether m is a known delivery mode
func (m DeliveryMode) Valid() bool {
	return m == ModeModal || m == ModeFeed
}

// Alert is a one-shot notification for one user about one course
type Alert struct {
	ID           int64           `json:"id"`
	UserID       int64           `json:"userId"`
	CourseID     int64           `json:"courseId"`
	Type         Type            `json:"alertType"`
	DeliveryMode DeliveryMode    `json:"deliveryMode"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ReadAt       *time.Time      `json:"readAt"`
}

// IsUnread reports whether the recipient has not acknowledged the alert
func (a *Alert) IsUnread() bool {
	return a.ReadAt == nil
}

// NewAlert is the input of Store.Create
type NewAlert struct {
	UserID       int64
	CourseID     int64
	Type         Type
	DeliveryMode DeliveryMode
	Payload      interface{}
}

// DocumentProcessedPayload is the payload of TypeDocumentProcessed alerts
type DocumentProcessedPayload struct {
	DocumentID   int64  `json:"documentId"`
	DocumentName string `json:"documentName"`
}

// AsyncQuestionUpdatePayload is the payload of TypeAsyncQuestionUpdate alerts
type AsyncQuestionUpdatePayload struct {
	QuestionID int64  `json:"questionId"`
	Status     string `json:"status"`
	Answered   bool   `json:"answered"`
}

// CheckoutPayload is the payload of TypeEventEndedCheckoutStaff alerts
type CheckoutPayload struct {
	CheckinID     int64     `json:"checkinId"`
	ExpectedEndAt time.Time `json:"expectedEndAt"`
}
