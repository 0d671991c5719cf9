package questions

import (
	"time"

	"github.com/helpme/helpme/pkg/auth"
)

// Status is the lifecycle state of an async question
type Status string

const (
	StatusAIAnswered               Status = "AIAnswered"
	StatusAIAnsweredNeedsAttention Status = "AIAnsweredNeedsAttention"
	StatusAIAnsweredResolved       Status = "AIAnsweredResolved"
	StatusHumanAnswered            Status = "HumanAnswered"
	StatusTADeleted                Status = "TADeleted"
	StatusStudentDeleted           Status = "StudentDeleted"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusAIAnswered, StatusAIAnsweredNeedsAttention, StatusAIAnsweredResolved,
		StatusHumanAnswered, StatusTADeleted, StatusStudentDeleted:
		return true
	}
	return false
}

// settableByAuthor lists the statuses an author may move their own question to
var settableByAuthor = map[Status]bool{
	StatusAIAnsweredNeedsAttention: true,
	StatusAIAnsweredResolved:       true,
	StatusStudentDeleted:           true,
}

// Question is an asynchronous question posted to a course
type Question struct {
	ID         int64     `json:"id"`
	CourseID   int64     `json:"courseId"`
	CreatorID  int64     `json:"creatorId"`
	Abstract   string    `json:"questionAbstract"`
	Text       string    `json:"questionText"`
	AnswerText string    `json:"answerText"`
	Status     Status    `json:"status"`
	Visible    bool      `json:"visible"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Comments   []Comment `json:"comments"`
}

// Comment is a reply on a question
type Comment struct {
	ID         int64     `json:"id"`
	QuestionID int64     `json:"questionId"`
	CreatorID  int64     `json:"creatorId"`
	Text       string    `json:"commentText"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Actor is the caller of a mutation
type Actor struct {
	UserID int64
	Role   auth.CourseRole
}

// NewQuestion is the input of Service.Create
type NewQuestion struct {
	Abstract string `json:"questionAbstract"`
	Text     string `json:"questionText"`
}

// Update is a partial update. Nil fields are left unchanged.
type Update struct {
	Abstract   *string `json:"questionAbstract,omitempty"`
	Text       *string `json:"questionText,omitempty"`
	AnswerText *string `json:"answerText,omitempty"`
	Status     *Status `json:"status,omitempty"`
	Visible    *bool   `json:"visible,omitempty"`
}

func (u Update) empty() bool {
	return u.Abstract == nil && u.Text == nil && u.AnswerText == nil && u.Status == nil && u.Visible == nil
}
