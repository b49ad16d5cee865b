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
	"context"
	"time"
)

// Store is the durable record of queued emails.
//
// Claim must be atomic per item: two concurrent callers never receive the same
// item. Every Mark* and Release call is conditional on the item still being
// processing under the given claim token and returns ErrClaimLost otherwise,
// which also keeps sent and failed items immutable.
type Store interface {
	// Insert persists a new pending item. ID and timestamps are set by the caller.
	Insert(ctx context.Context, item *QueueItem) error

	// Claim transitions up to req.Limit due items to processing, oldest first,
	// stamping claimed_at and the claim token and incrementing attempts.
	Claim(ctx context.Context, req ClaimRequest) ([]QueueItem, error)

	// FailAbandoned marks items that already used maxAttempts attempts as failed:
	// processing items claimed before stuckBefore and pending items. It returns
	// the number of items changed.
	FailAbandoned(ctx context.Context, stuckBefore time.Time, maxAttempts int, reason string) (int64, error)

	// MarkSent records a successful delivery.
	MarkSent(ctx context.Context, id, token string, sentAt time.Time) error

	// MarkRetry puts the item back to pending with the error and the earliest next attempt.
	MarkRetry(ctx context.Context, id, token, lastError string, nextAttemptAt time.Time) error

	// MarkFailed records a terminal failure.
	MarkFailed(ctx context.Context, id, token, lastError string) error

	// Release returns a claimed but unsent item to pending without touching attempts.
	Release(ctx context.Context, id, token, reason string) error

	// Get loads one item.
	Get(ctx context.Context, id string) (*QueueItem, error)

	// GetMany loads items by id preserving the order of ids. Missing ids are skipped.
	GetMany(ctx context.Context, ids []string) ([]QueueItem, error)

	// List returns one page of items, newest first, and the total matching count.
	List(ctx context.Context, filter ListFilter) ([]QueueItem, int64, error)

	// Stats returns the number of items per status.
	Stats(ctx context.Context) (map[Status]int64, error)

	// Ping checks store connectivity.
	Ping(ctx context.Context) error
}
