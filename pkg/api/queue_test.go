package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webportal/mailqueue/pkg/mail"
	"github.com/webportal/mailqueue/pkg/store/memory"
)

func TestQueue_RequiresAdmin(t *testing.T) {
	h := defaultHarness(t)

	for _, path := range []string{"/api/queue", "/api/queue/stats", "/api/queue/recent", "/api/queue/abc"} {
		w := h.do(t, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
	w := h.do(t, http.MethodPost, "/api/queue", validItem("a@example.com"), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, h.store.Len())
}

func TestQueue_EnqueueAndGet(t *testing.T) {
	h := defaultHarness(t)

	w := h.admin(t, http.MethodPost, "/api/queue", validItem("client@example.com"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[map[string]string](t, w)["id"]
	require.NotEmpty(t, id)

	w = h.admin(t, http.MethodGet, "/api/queue/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	item := decode[mail.QueueItem](t, w)
	assert.Equal(t, "client@example.com", item.RecipientEmail)
	assert.Equal(t, mail.StatusPending, item.Status)
	assert.Zero(t, item.Attempts)
	assert.NotContains(t, w.Body.String(), "claimToken")
}

func TestQueue_EnqueueValidation(t *testing.T) {
	h := defaultHarness(t)

	bad := validItem("not-an-address")
	w := h.admin(t, http.MethodPost, "/api/queue", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid queue item")

	w = h.do(t, http.MethodPost, "/api/queue", nil, map[string]string{
		AuthHeaderKey:  "Bearer " + adminToken(t),
		"Content-Type": "application/json",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, h.store.Len())
}

func TestQueue_GetMissing(t *testing.T) {
	h := defaultHarness(t)
	w := h.admin(t, http.MethodGet, "/api/queue/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestQueue_ListFiltersAndPaging(t *testing.T) {
	h := defaultHarness(t)

	for i := range 5 {
		enqueue(t, h.store, validItem(fmt.Sprintf("user%d@example.com", i)))
	}
	invite := validItem("guest@example.com")
	invite.Type = mail.TypeInvitation
	enqueue(t, h.store, invite)

	w := h.admin(t, http.MethodGet, "/api/queue?pageSize=2&page=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[QueueListResponse](t, w)
	assert.EqualValues(t, 6, resp.Total)
	assert.Equal(t, 2, resp.Page)
	assert.Equal(t, 2, resp.PageSize)
	assert.Len(t, resp.Items, 2)

	w = h.admin(t, http.MethodGet, "/api/queue?type=invitation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[QueueListResponse](t, w)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "guest@example.com", resp.Items[0].RecipientEmail)
	assert.Equal(t, 20, resp.PageSize)

	w = h.admin(t, http.MethodGet, "/api/queue?status=sent", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[QueueListResponse](t, w)
	assert.Zero(t, resp.Total)
	assert.NotNil(t, resp.Items)

	w = h.admin(t, http.MethodGet, "/api/queue?pageSize=1000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100, decode[QueueListResponse](t, w).PageSize)
}

func TestQueue_ListRejectsBadQuery(t *testing.T) {
	h := defaultHarness(t)

	for _, q := range []string{"status=bogus", "page=one", "pageSize=x"} {
		w := h.admin(t, http.MethodGet, "/api/queue?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestQueue_Stats(t *testing.T) {
	h := defaultHarness(t)
	enqueue(t, h.store, validItem("a@example.com"))

	w := h.admin(t, http.MethodGet, "/api/queue/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[map[string]int64](t, w)
	assert.Equal(t, map[string]int64{"pending": 1, "processing": 0, "sent": 0, "failed": 0}, stats)
}

func TestQueue_Recent(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		h := defaultHarness(t)
		w := h.admin(t, http.MethodGet, "/api/queue/recent", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("pages through cached ids", func(t *testing.T) {
			store := memory.New()
		var ids []string
		for i := range 3 {
			ids = append(ids, enqueue(t, store, validItem(fmt.Sprintf("r%d@example.com", i))))
		}
		h := newHarness(t, harnessOpts{
			signingKey: testSigningKey,
			secret:     testSecret,
			store:      store,
			recent:     fakeRecent{enabled: true, ids: []string{ids[2], "evicted-from-store", ids[0]}},
		})

		w := h.admin(t, http.MethodGet, "/api/queue/recent?pageSize=5", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp := decode[QueueListResponse](t, w)
		assert.EqualValues(t, 3, resp.Total)
		require.Len(t, resp.Items, 2)
		assert.Equal(t, ids[2], resp.Items[0].ID)
		assert.Equal(t, ids[0], resp.Items[1].ID)
	})

	t.Run("cache error", func(t *testing.T) {
		h := newHarness(t, harnessOpts{
			signingKey: testSigningKey,
			secret:     testSecret,
			recent:     fakeRecent{enabled: true, err: errors.New("redis: connection refused")},
		})
		w := h.admin(t, http.MethodGet, "/api/queue/recent", nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}
