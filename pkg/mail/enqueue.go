package mail

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webportal/mailqueue/pkg/metrics"
)

// Enqueuer is the entry point used by every caller that needs to notify someone.
//
// Enqueue returns as soon as the item is durably stored as pending. Callers treat
// notification as best-effort: an enqueue error must not fail their primary
// operation on its own.
type Enqueuer struct {
	store Store
	log   *zap.SugaredLogger
	now   func() time.Time
}

// NewEnqueuer creates an Enqueuer writing to store.
func NewEnqueuer(store Store, log *zap.SugaredLogger) *Enqueuer {
	return &Enqueuer{
		store: store,
		log:   log.Named("enqueuer"),
		now:   time.Now,
	}
}

// Enqueue validates the item and inserts it with status pending and zero attempts.
func (e *Enqueuer) Enqueue(ctx context.Context, in NewQueueItem) (string, error) {
	normalized, err := Validate(in)
	if err != nil {
		metrics.MailEnqueueErrors.WithLabelValues("invalid").Inc()
		e.log.Debugw("Rejected email before enqueue", "type", in.Type, "error", err)
		return "", err
	}

	now := e.now().UTC()
	item := &QueueItem{
		ID:             uuid.NewString(),
		RecipientEmail: normalized.RecipientEmail,
		RecipientName:  normalized.RecipientName,
		Subject:        normalized.Subject,
		ContentHTML:    normalized.ContentHTML,
		ContentText:    normalized.ContentText,
		Type:           normalized.Type,
		Metadata:       normalized.Metadata,
		Status:         StatusPending,
		Attempts:       0,
		CreatedAt:      now,
		UpdatedAt:      now,
		NextAttemptAt:  now,
	}

	if err := e.store.Insert(ctx, item); err != nil {
		metrics.MailEnqueueErrors.WithLabelValues("store").Inc()
		e.log.Errorw("Failed to store queued email",
			"type", item.Type,
			"error", err)
		return "", fmt.Errorf("enqueue email: %w", err)
	}

	metrics.MailEnqueued.WithLabelValues(item.Type).Inc()
	e.log.Debugw("Email queued for sending",
		"id", item.ID,
		"type", item.Type,
		"subject", item.Subject)
	return item.ID, nil
}

// Validate checks an enqueue request and returns it with whitespace trimmed.
// Address checking is syntactic only.
func Validate(in NewQueueItem) (NewQueueItem, error) {
	in.RecipientEmail = strings.TrimSpace(in.RecipientEmail)
	in.RecipientName = strings.TrimSpace(in.RecipientName)
	in.Subject = strings.TrimSpace(in.Subject)
	in.Type = strings.TrimSpace(in.Type)

	if in.RecipientEmail == "" {
		return in, fmt.Errorf("%w: recipient email is required", ErrInvalidItem)
	}
	addr, err := mail.ParseAddress(in.RecipientEmail)
	if err != nil || addr.Address != in.RecipientEmail {
		return in, fmt.Errorf("%w: recipient email %q is not a valid address", ErrInvalidItem, in.RecipientEmail)
	}
	if in.Subject == "" {
		return in, fmt.Errorf("%w: subject is required", ErrInvalidItem)
	}
	if strings.ContainsAny(in.Subject, "\r\n") {
		return in, fmt.Errorf("%w: subject must be a single line", ErrInvalidItem)
	}
	if strings.TrimSpace(in.ContentHTML) == "" && strings.TrimSpace(in.ContentText) == "" {
		return in, fmt.Errorf("%w: html or text content is required", ErrInvalidItem)
	}
	if in.Type == "" {
		return in, fmt.Errorf("%w: type is required", ErrInvalidItem)
	}
	return in, nil
}
