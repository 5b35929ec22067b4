package model

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// SystemNumber is the from_number recorded for messages the system
// originates itself (reminders, alerts) rather than on behalf of a user.
const SystemNumber = "system"

// KindOutgoing is the default message kind and also the fallback endpoint
// purpose when no endpoint matches a message's own kind.
const KindOutgoing = "outgoing"

type Message struct {
	ID          uuid.UUID
	ToNumber    string
	FromNumber  string
	Content     string
	Kind        string
	Status      Status
	DedupeKey   *string
	ErrorDetail *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	SentAt      *time.Time
}

// NewMessage carries the collaborator-supplied fields of an enqueue.
// An empty DedupeKey means no duplicate suppression applies.
type NewMessage struct {
	ToNumber   string
	FromNumber string
	Content    string
	Kind       string
	DedupeKey  string
}
