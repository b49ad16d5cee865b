package events

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/webportal/mailqueue/pkg/mail"
)

// Type identifies a delivery event.
type Type string

const (
	TypeSent           Type = "mail.sent"
	TypeRetryScheduled Type = "mail.retry_scheduled"
	TypeFailed         Type = "mail.failed"
)

// Event is the published record of a delivery attempt. It carries no message
// content and only a masked recipient.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	ItemID    string    `json:"itemId"`
	MailType  string    `json:"mailType"`
	Recipient string    `json:"recipient"`
	Provider  string    `json:"provider,omitempty"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent converts a recorded outcome into an event.
func NewEvent(o mail.Outcome) *Event {
	e := &Event{
		ID:        uuid.NewString(),
		ItemID:    o.Item.ID,
		MailType:  o.Item.Type,
		Recipient: MaskRecipient(o.Item.RecipientEmail),
		Provider:  o.Provider,
		Attempts:  o.Item.Attempts,
		Timestamp: o.At.UTC(),
	}
	switch o.Kind {
	case mail.OutcomeSent:
		e.Type = TypeSent
	case mail.OutcomeRetry:
		e.Type = TypeRetryScheduled
	default:
		e.Type = TypeFailed
	}
	if o.Err != nil {
		e.Error = o.Err.Error()
	}
	return e
}

// MaskRecipient keeps the first character of the local part and the domain,
// e.g. "j***@example.com".
func MaskRecipient(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return "***"
	}
	return addr[:1] + "***" + addr[at:]
}
