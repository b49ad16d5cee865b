package mail_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webportal/mailqueue/pkg/mail"
	"github.com/webportal/mailqueue/pkg/store/memory"
)

type failingInsertStore struct {
	*memory.Store
}

func (failingInsertStore) Insert(context.Context, *mail.QueueItem) error {
	return assert.AnError
}

func validItem() mail.NewQueueItem {
	return mail.NewQueueItem{
		RecipientEmail: "client@example.com",
		RecipientName:  "Client Name",
		Subject:        "Your project was updated",
		ContentHTML:    "<p>Hello</p>",
		ContentText:    "Hello",
		Type:           mail.TypeProjectUpdate,
		Metadata:       map[string]string{"projectId": "42"},
	}
}

func TestEnqueue_StoresPendingItem(t *testing.T) {
	store := memory.New()
	e := mail.NewEnqueuer(store, zap.NewNop().Sugar())

	id, err := e.Enqueue(context.Background(), validItem())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	item := mustGet(t, store, id)
	assert.Equal(t, mail.StatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)
	assert.Equal(t, "client@example.com", item.RecipientEmail)
	assert.Equal(t, mail.TypeProjectUpdate, item.Type)
	assert.Equal(t, "42", item.Metadata["projectId"])
	assert.Equal(t, item.CreatedAt, item.NextAttemptAt)
	assert.Nil(t, item.ClaimedAt)
	assert.Nil(t, item.SentAt)
}

func TestEnqueue_RejectsInvalidItems(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*mail.NewQueueItem)
	}{
		{"empty recipient", func(in *mail.NewQueueItem) { in.RecipientEmail = "" }},
		{"malformed recipient", func(in *mail.NewQueueItem) { in.RecipientEmail = "not-an-address" }},
		{"recipient with display name", func(in *mail.NewQueueItem) { in.RecipientEmail = "Client <client@example.com>" }},
		{"empty subject", func(in *mail.NewQueueItem) { in.Subject = "   " }},
		{"multi line subject", func(in *mail.NewQueueItem) { in.Subject = "Hello\r\nBcc: victim@example.com" }},
		{"no content", func(in *mail.NewQueueItem) { in.ContentHTML = ""; in.ContentText = " " }},
		{"empty type", func(in *mail.NewQueueItem) { in.Type = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			e := mail.NewEnqueuer(store, zap.NewNop().Sugar())
			in := validItem()
			tt.modify(&in)

			id, err := e.Enqueue(context.Background(), in)
			require.Error(t, err)
			assert.ErrorIs(t, err, mail.ErrInvalidItem)
			assert.Empty(t, id)
			assert.Equal(t, 0, store.Len())
		})
	}
}

func TestEnqueue_AcceptsTextOnlyOrHTMLOnly(t *testing.T) {
	store := memory.New()
	e := mail.NewEnqueuer(store, zap.NewNop().Sugar())

	textOnly := validItem()
	textOnly.ContentHTML = ""
	_, err := e.Enqueue(context.Background(), textOnly)
	require.NoError(t, err)

	htmlOnly := validItem()
	htmlOnly.ContentText = ""
	_, err = e.Enqueue(context.Background(), htmlOnly)
	require.NoError(t, err)

	assert.Equal(t, 2, store.Len())
}

func TestEnqueue_PropagatesStoreErrors(t *testing.T) {
	e := mail.NewEnqueuer(failingInsertStore{memory.New()}, zap.NewNop().Sugar())

	_, err := e.Enqueue(context.Background(), validItem())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.NotErrorIs(t, err, mail.ErrInvalidItem)
}
