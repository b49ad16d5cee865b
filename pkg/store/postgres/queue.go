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

package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/webportal/mailqueue/pkg/mail"
)

// Store is the PostgreSQL mail.Store.
type Store struct {
	db *pgxpool.Pool
}

var _ mail.Store = (*Store)(nil)

// NewStore wraps an open pool.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func itemColumns(alias string) string {
	p := ""
	if alias != "" {
		p = alias + "."
	}
	cols := []string{
		p + "id::text",
		p + "recipient_email",
		p + "recipient_name",
		p + "subject",
		p + "content_html",
		p + "content_text",
		p + "type",
		p + "metadata",
		p + "status",
		p + "attempts",
		"COALESCE(" + p + "last_error, '')",
		p + "created_at",
		p + "updated_at",
		p + "next_attempt_at",
		p + "claimed_at",
		"COALESCE(" + p + "claim_token::text, '')",
		p + "sent_at",
	}
	return strings.Join(cols, ", ")
}

func scanItem(row pgx.Row) (mail.QueueItem, error) {
	var it mail.QueueItem
	var status string
	err := row.Scan(
		&it.ID,
		&it.RecipientEmail,
		&it.RecipientName,
		&it.Subject,
		&it.ContentHTML,
		&it.ContentText,
		&it.Type,
		&it.Metadata,
		&status,
		&it.Attempts,
		&it.LastError,
		&it.CreatedAt,
		&it.UpdatedAt,
		&it.NextAttemptAt,
		&it.ClaimedAt,
		&it.ClaimToken,
		&it.SentAt,
	)
	it.Status = mail.Status(status)
	return it, err
}

func collectItems(rows pgx.Rows) ([]mail.QueueItem, error) {
	defer rows.Close()
	items := make([]mail.QueueItem, 0)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) Insert(ctx context.Context, item *mail.QueueItem) error {
	metadata := item.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	sql := `INSERT INTO email_queue (
				id, recipient_email, recipient_name, subject, content_html, content_text,
				type, metadata, status, attempts, created_at, updated_at, next_attempt_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.db.Exec(ctx, sql,
		item.ID, item.RecipientEmail, item.RecipientName, item.Subject,
		item.ContentHTML, item.ContentText, item.Type, metadata,
		string(item.Status), item.Attempts, item.CreatedAt, item.UpdatedAt, item.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

// Claim locks due rows with SKIP LOCKED so concurrent claimers never wait on,
// or receive, each other's rows. Row locks re-check the WHERE clause, so a row
// changed by a committed concurrent claim is skipped.
func (s *Store) Claim(ctx context.Context, req mail.ClaimRequest) ([]mail.QueueItem, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	sql := `UPDATE email_queue q
			SET status = 'processing',
				attempts = q.attempts + 1,
				claimed_at = $1,
				claim_token = $2,
				updated_at = $1
			FROM (
				SELECT id FROM email_queue
				WHERE (status = 'pending' AND next_attempt_at <= $1 AND attempts < $4)
				   OR (status = 'processing' AND claimed_at < $3 AND attempts < $4)
				ORDER BY created_at ASC, id ASC
				LIMIT $5
				FOR UPDATE SKIP LOCKED
			) due
			WHERE q.id = due.id
			RETURNING ` + itemColumns("q")

	rows, err := s.db.Query(ctx, sql, req.Now, req.Token, req.StuckBefore, req.MaxAttempts, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("claim queue items: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, fmt.Errorf("claim queue items: %w", err)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (s *Store) FailAbandoned(ctx context.Context, stuckBefore time.Time, maxAttempts int, reason string) (int64, error) {
	sql := `UPDATE email_queue
			SET status = 'failed', last_error = $1, claim_token = NULL, updated_at = NOW()
			WHERE attempts >= $3
			  AND (status = 'pending' OR (status = 'processing' AND claimed_at < $2))`

	tag, err := s.db.Exec(ctx, sql, reason, stuckBefore, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("fail abandoned queue items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// guardedUpdate runs an update that only applies while the item is still
// processing under token.
func (s *Store) guardedUpdate(ctx context.Context, op, set, id, token string, args ...any) error {
	sql := `UPDATE email_queue SET ` + set + `, claim_token = NULL, updated_at = NOW()
			WHERE id = $1 AND status = 'processing' AND claim_token = $2`

	tag, err := s.db.Exec(ctx, sql, append([]any{id, token}, args...)...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return mail.ErrClaimLost
	}
	return nil
}

func (s *Store) MarkSent(ctx context.Context, id, token string, sentAt time.Time) error {
	return s.guardedUpdate(ctx, "mark sent",
		`status = 'sent', sent_at = $3, last_error = NULL`, id, token, sentAt)
}

func (s *Store) MarkRetry(ctx context.Context, id, token, lastError string, nextAttemptAt time.Time) error {
	return s.guardedUpdate(ctx, "mark retry",
		`status = 'pending', last_error = $3, next_attempt_at = $4`, id, token, lastError, nextAttemptAt)
}

func (s *Store) MarkFailed(ctx context.Context, id, token, lastError string) error {
	return s.guardedUpdate(ctx, "mark failed",
		`status = 'failed', last_error = $3`, id, token, lastError)
}

func (s *Store) Release(ctx context.Context, id, token, reason string) error {
	return s.guardedUpdate(ctx, "release",
		`status = 'pending', last_error = $3`, id, token, reason)
}

func (s *Store) Get(ctx context.Context, id string) (*mail.QueueItem, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, mail.ErrNotFound
	}
	sql := `SELECT ` + itemColumns("") + ` FROM email_queue WHERE id = $1`
	it, err := scanItem(s.db.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, mail.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return &it, nil
}

func (s *Store) GetMany(ctx context.Context, ids []string) ([]mail.QueueItem, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return []mail.QueueItem{}, nil
	}
	sql := `SELECT ` + itemColumns("") + ` FROM email_queue WHERE id = ANY($1::text[]::uuid[])`
	rows, err := s.db.Query(ctx, sql, valid)
	if err != nil {
		return nil, fmt.Errorf("get queue items: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, fmt.Errorf("get queue items: %w", err)
	}

	byID := make(map[string]mail.QueueItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	// keep the caller's order
	out := make([]mail.QueueItem, 0, len(items))
	for _, id := range ids {
		if it, ok := byID[id]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *Store) List(ctx context.Context, filter mail.ListFilter) ([]mail.QueueItem, int64, error) {
	filter = filter.Normalize()

	var where []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM email_queue`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count queue items: %w", err)
	}

	args = append(args, filter.PageSize, filter.Offset())
	sql := fmt.Sprintf(`SELECT %s FROM email_queue%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		itemColumns(""), clause, len(args)-1, len(args))
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list queue items: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("list queue items: %w", err)
	}
	return items, total, nil
}

func (s *Store) Stats(ctx context.Context) (map[mail.Status]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM email_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := map[mail.Status]int64{
		mail.StatusPending:    0,
		mail.StatusProcessing: 0,
		mail.StatusSent:       0,
		mail.StatusFailed:     0,
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("queue stats: %w", err)
		}
		stats[mail.Status(status)] = n
	}
	return stats, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
