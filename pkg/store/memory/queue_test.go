package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webportal/mailqueue/pkg/mail"
)

var t0 = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func insert(t *testing.T, s *Store, id string, created time.Time, typ string) {
	t.Helper()
	require.NoError(t, s.Insert(context.Background(), &mail.QueueItem{
		ID:             id,
		RecipientEmail: "r@example.com",
		Subject:        "s",
		ContentText:    "b",
		Type:           typ,
		Status:         mail.StatusPending,
		Metadata:       map[string]string{"k": "v"},
		CreatedAt:      created,
		UpdatedAt:      created,
		NextAttemptAt:  created,
	}))
}

func claimReq(limit int, token string) mail.ClaimRequest {
	return mail.ClaimRequest{
		Limit:       limit,
		Now:         t0,
		StuckBefore: t0.Add(-15 * time.Minute),
		MaxAttempts: 5,
		Token:       token,
	}
}

func TestStore_InsertRejectsDuplicates(t *testing.T) {
	s := New()
	insert(t, s, "a", t0, mail.TypeSystem)
	err := s.Insert(context.Background(), &mail.QueueItem{ID: "a"})
	assert.Error(t, err)
	assert.Error(t, s.Insert(context.Background(), &mail.QueueItem{}))
}

func TestStore_ClaimOrderAndLimit(t *testing.T) {
	s := New()
	insert(t, s, "late", t0.Add(-time.Minute), mail.TypeSystem)
	insert(t, s, "early", t0.Add(-time.Hour), mail.TypeSystem)
	insert(t, s, "future", t0.Add(-2*time.Hour), mail.TypeSystem)

	// not due yet
	ctx := context.Background()
	items, err := s.Claim(ctx, claimReq(1, "x"))
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NoError(t, s.MarkRetry(ctx, items[0].ID, "x", "later", t0.Add(time.Hour)))

	items, err = s.Claim(ctx, claimReq(10, "tok"))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "early", items[0].ID)
	assert.Equal(t, "late", items[1].ID)
	for _, it := range items {
		assert.Equal(t, mail.StatusProcessing, it.Status)
		assert.Equal(t, 1, it.Attempts)
		assert.Equal(t, "tok", it.ClaimToken)
		require.NotNil(t, it.ClaimedAt)
		assert.Equal(t, t0, *it.ClaimedAt)
	}
}

func TestStore_GuardedUpdates(t *testing.T) {
	ctx := context.Background()
	s := New()
	insert(t, s, "a", t0.Add(-time.Minute), mail.TypeSystem)

	items, err := s.Claim(ctx, claimReq(1, "tok"))
	require.NoError(t, err)
	require.Len(t, items, 1)

	assert.ErrorIs(t, s.MarkSent(ctx, "a", "other", t0), mail.ErrClaimLost)
	assert.ErrorIs(t, s.MarkSent(ctx, "missing", "tok", t0), mail.ErrClaimLost)
	require.NoError(t, s.MarkSent(ctx, "a", "tok", t0))

	// terminal items stay as they are
	assert.ErrorIs(t, s.MarkFailed(ctx, "a", "tok", "late"), mail.ErrClaimLost)
	assert.ErrorIs(t, s.Release(ctx, "a", "tok", "late"), mail.ErrClaimLost)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, mail.StatusSent, got.Status)
	assert.Empty(t, got.LastError)
	assert.Empty(t, got.ClaimToken)
}

func TestStore_ReleaseKeepsAttempts(t *testing.T) {
	ctx := context.Background()
	s := New()
	insert(t, s, "a", t0.Add(-time.Minute), mail.TypeSystem)
	_, err := s.Claim(ctx, claimReq(1, "tok"))
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, "a", "tok", "shutdown"))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, mail.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)

	items, err := s.Claim(ctx, claimReq(1, "tok2"))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Attempts)
}

func TestStore_ExhaustedPendingItemIsNotClaimed(t *testing.T) {
	ctx := context.Background()
	s := New()
	insert(t, s, "a", t0.Add(-time.Minute), mail.TypeSystem)

	req := claimReq(1, "tok")
	req.MaxAttempts = 1
	items, err := s.Claim(ctx, req)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NoError(t, s.Release(ctx, "a", "tok", "shutdown"))

	req.Token = "tok2"
	items, err = s.Claim(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, items)

	n, err := s.FailAbandoned(ctx, req.StuckBefore, 1, "abandoned after 1 attempts")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, mail.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "abandoned after 1 attempts", got.LastError)
}

func TestStore_ConcurrentClaimsAreExclusive(t *testing.T) {
	s := New()
	for i := 0; i < 200; i++ {
		insert(t, s, fmt.Sprintf("i%03d", i), t0.Add(-time.Duration(i+1)*time.Second), mail.TypeSystem)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				items, err := s.Claim(context.Background(), claimReq(9, fmt.Sprintf("w%d", w)))
				assert.NoError(t, err)
				if len(items) == 0 {
					return
				}
				mu.Lock()
				for _, it := range items {
					seen[it.ID]++
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, seen, 200)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s claimed more than once", id)
	}
}

func TestStore_ListFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 0; i < 25; i++ {
		typ := mail.TypeSystem
		if i%5 == 0 {
			typ = mail.TypeInvitation
		}
		insert(t, s, fmt.Sprintf("i%02d", i), t0.Add(time.Duration(i)*time.Minute), typ)
	}

	page, total, err := s.List(ctx, mail.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(25), total)
	require.Len(t, page, 20)
	assert.Equal(t, "i24", page[0].ID, "newest first")

	page, _, err = s.List(ctx, mail.ListFilter{Page: 2})
	require.NoError(t, err)
	require.Len(t, page, 5)
	assert.Equal(t, "i04", page[0].ID)

	page, total, err = s.List(ctx, mail.ListFilter{Type: mail.TypeInvitation, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, page, 2)

	page, total, err = s.List(ctx, mail.ListFilter{Status: mail.StatusSent})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, page)

	page, _, err = s.List(ctx, mail.ListFilter{Page: 9})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestStore_GetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	insert(t, s, "a", t0, mail.TypeSystem)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	got.Metadata["k"] = "changed"
	got.Status = mail.StatusFailed

	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Metadata["k"])
	assert.Equal(t, mail.StatusPending, again.Status)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, mail.ErrNotFound)

	many, err := s.GetMany(ctx, []string{"missing", "a"})
	require.NoError(t, err)
	require.Len(t, many, 1)
	assert.Equal(t, "a", many[0].ID)
}

func TestStore_StatsAndFailAbandoned(t *testing.T) {
	ctx := context.Background()
	s := New()
	insert(t, s, "a", t0.Add(-time.Hour), mail.TypeSystem)
	insert(t, s, "b", t0.Add(-time.Hour+time.Second), mail.TypeSystem)

	req := claimReq(1, "tok")
	req.Now = t0.Add(-30 * time.Minute)
	req.MaxAttempts = 1
	_, err := s.Claim(ctx, req)
	require.NoError(t, err)

	n, err := s.FailAbandoned(ctx, t0.Add(-15*time.Minute), 1, "abandoned after 1 attempts")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[mail.StatusPending])
	assert.Equal(t, int64(1), stats[mail.StatusFailed])
	assert.Equal(t, int64(0), stats[mail.StatusProcessing])
	assert.NoError(t, s.Ping(ctx))
}
