package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/webportal/mailqueue/pkg/mail"
)

// Store is an in-memory mail.Store.
type Store struct {
	mu    sync.Mutex
	items map[string]*mail.QueueItem
	now   func() time.Time
}

var _ mail.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		items: make(map[string]*mail.QueueItem),
		now:   time.Now,
	}
}

func (s *Store) Insert(_ context.Context, item *mail.QueueItem) error {
	if item == nil || item.ID == "" {
		return fmt.Errorf("insert queue item: missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("insert queue item %s: duplicate id", item.ID)
	}
	s.items[item.ID] = clone(item)
	return nil
}

func (s *Store) Claim(ctx context.Context, req mail.ClaimRequest) ([]mail.QueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*mail.QueueItem, 0)
	for _, it := range s.items {
		if claimable(it, req) {
			due = append(due, it)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if len(due) > req.Limit {
		due = due[:req.Limit]
	}

	claimed := make([]mail.QueueItem, 0, len(due))
	for _, it := range due {
		claimedAt := req.Now
		it.Status = mail.StatusProcessing
		it.Attempts++
		it.ClaimedAt = &claimedAt
		it.ClaimToken = req.Token
		it.UpdatedAt = req.Now
		claimed = append(claimed, *clone(it))
	}
	return claimed, nil
}

func claimable(it *mail.QueueItem, req mail.ClaimRequest) bool {
	switch it.Status {
	case mail.StatusPending:
		return !it.NextAttemptAt.After(req.Now) && it.Attempts < req.MaxAttempts
	case mail.StatusProcessing:
		return it.ClaimedAt != nil && it.ClaimedAt.Before(req.StuckBefore) && it.Attempts < req.MaxAttempts
	}
	return false
}

func (s *Store) FailAbandoned(_ context.Context, stuckBefore time.Time, maxAttempts int, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, it := range s.items {
		if abandoned(it, stuckBefore, maxAttempts) {
			it.Status = mail.StatusFailed
			it.LastError = reason
			it.ClaimToken = ""
			it.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func abandoned(it *mail.QueueItem, stuckBefore time.Time, maxAttempts int) bool {
	if it.Attempts < maxAttempts {
		return false
	}
	switch it.Status {
	case mail.StatusPending:
		return true
	case mail.StatusProcessing:
		return it.ClaimedAt != nil && it.ClaimedAt.Before(stuckBefore)
	}
	return false
}

// guarded applies fn to the item if it is still held by token.
func (s *Store) guarded(id, token string, fn func(it *mail.QueueItem)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok || it.Status != mail.StatusProcessing || it.ClaimToken != token {
		return mail.ErrClaimLost
	}
	fn(it)
	it.UpdatedAt = s.now()
	return nil
}

func (s *Store) MarkSent(_ context.Context, id, token string, sentAt time.Time) error {
	return s.guarded(id, token, func(it *mail.QueueItem) {
		at := sentAt
		it.Status = mail.StatusSent
		it.SentAt = &at
		it.LastError = ""
		it.ClaimToken = ""
	})
}

func (s *Store) MarkRetry(_ context.Context, id, token, lastError string, nextAttemptAt time.Time) error {
	return s.guarded(id, token, func(it *mail.QueueItem) {
		it.Status = mail.StatusPending
		it.LastError = lastError
		it.NextAttemptAt = nextAttemptAt
		it.ClaimToken = ""
	})
}

func (s *Store) MarkFailed(_ context.Context, id, token, lastError string) error {
	return s.guarded(id, token, func(it *mail.QueueItem) {
		it.Status = mail.StatusFailed
		it.LastError = lastError
		it.ClaimToken = ""
	})
}

func (s *Store) Release(_ context.Context, id, token, reason string) error {
	return s.guarded(id, token, func(it *mail.QueueItem) {
		it.Status = mail.StatusPending
		it.LastError = reason
		it.ClaimToken = ""
	})
}

func (s *Store) Get(_ context.Context, id string) (*mail.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, mail.ErrNotFound
	}
	return clone(it), nil
}

func (s *Store) GetMany(_ context.Context, ids []string) ([]mail.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mail.QueueItem, 0, len(ids))
	for _, id := range ids {
		if it, ok := s.items[id]; ok {
			out = append(out, *clone(it))
		}
	}
	return out, nil
}

func (s *Store) List(_ context.Context, filter mail.ListFilter) ([]mail.QueueItem, int64, error) {
	filter = filter.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*mail.QueueItem, 0)
	for _, it := range s.items {
		if filter.Status != "" && it.Status != filter.Status {
			continue
		}
		if filter.Type != "" && it.Type != filter.Type {
			continue
		}
		matched = append(matched, it)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	start := min(filter.Offset(), len(matched))
	end := min(start+filter.PageSize, len(matched))
	page := make([]mail.QueueItem, 0, end-start)
	for _, it := range matched[start:end] {
		page = append(page, *clone(it))
	}
	return page, total, nil
}

func (s *Store) Stats(_ context.Context) (map[mail.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := map[mail.Status]int64{
		mail.StatusPending:    0,
		mail.StatusProcessing: 0,
		mail.StatusSent:       0,
		mail.StatusFailed:     0,
	}
	for _, it := range s.items {
		stats[it.Status]++
	}
	return stats, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of stored items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func clone(it *mail.QueueItem) *mail.QueueItem {
	c := *it
	if it.Metadata != nil {
		c.Metadata = make(map[string]string, len(it.Metadata))
		for k, v := range it.Metadata {
			c.Metadata[k] = v
		}
	}
	if it.ClaimedAt != nil {
		t := *it.ClaimedAt
		c.ClaimedAt = &t
	}
	if it.SentAt != nil {
		t := *it.SentAt
		c.SentAt = &t
	}
	return &c
}
