/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mail

import (
	"time"
)

// Status is the delivery state of a queued email.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known queue states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further dispatch run may change an item in this state.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Well-known email types. The type is a reporting tag only; any non-empty value is accepted.
const (
	TypeSystem          = "system"
	TypeProjectUpdate   = "project-update"
	TypeContactReply    = "contact-reply"
	TypePasswordReset   = "password-reset"
	TypeInvitation      = "invitation"
	TypeInvoiceReminder = "invoice-reminder"
)

// QueueItem is one unit of outbound email work.
type QueueItem struct {
	ID             string            `json:"id"`
	RecipientEmail string            `json:"recipientEmail"`
	RecipientName  string            `json:"recipientName,omitempty"`
	Subject        string            `json:"subject"`
	ContentHTML    string            `json:"contentHtml,omitempty"`
	ContentText    string            `json:"contentText,omitempty"`
	Type           string            `json:"type"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Status         Status            `json:"status"`
	Attempts       int               `json:"attempts"`
	LastError      string            `json:"lastError,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	NextAttemptAt  time.Time         `json:"nextAttemptAt"`
	ClaimedAt      *time.Time        `json:"claimedAt,omitempty"`
	SentAt         *time.Time        `json:"sentAt,omitempty"`
	// ClaimToken identifies the claim currently holding the item. It is never
	// exposed over the API.
	ClaimToken string `json:"-"`
}

// NewQueueItem is the input accepted by the Enqueuer.
type NewQueueItem struct {
	RecipientEmail string            `json:"recipientEmail"`
	RecipientName  string            `json:"recipientName,omitempty"`
	Subject        string            `json:"subject"`
	ContentHTML    string            `json:"contentHtml,omitempty"`
	ContentText    string            `json:"contentText,omitempty"`
	Type           string            `json:"type"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ClaimRequest describes one atomic claim of due items.
type ClaimRequest struct {
	// Limit is the maximum number of items to claim.
	Limit int
	// Now is stamped as claimed_at and used to decide which items are due.
	Now time.Time
	// StuckBefore marks processing items claimed before this instant as abandoned
	// and eligible for reclaim.
	StuckBefore time.Time
	// MaxAttempts excludes pending and stuck items that already used all their attempts.
	MaxAttempts int
	// Token is stamped on every claimed item.
	Token string
}

// ListFilter narrows the admin queue listing.
type ListFilter struct {
	Status   Status
	Type     string
	Page     int
	PageSize int
}

// Normalize applies paging defaults and bounds.
func (f ListFilter) Normalize() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
	return f
}

// Offset returns the number of rows to skip for the current page.
func (f ListFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}
