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
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/webportal/mailqueue/pkg/metrics"
)

const (
	DefaultBatchSize       = 50
	DefaultMaxAttempts     = 5
	DefaultStuckAfter      = 15 * time.Minute
	DefaultSendTimeout     = 10 * time.Second
	DefaultConcurrency     = 4
	DefaultRetryBackoff    = time.Minute
	DefaultMaxRetryBackoff = 30 * time.Minute

	// recordTimeout bounds the store update after a send, which runs even when
	// the cycle context has been cancelled.
	recordTimeout = 10 * time.Second
)

var tracer = otel.Tracer("github.com/webportal/mailqueue/pkg/mail")

// DispatcherConfig holds the limits of a dispatch cycle. Zero values are
// replaced by the package defaults.
type DispatcherConfig struct {
	BatchSize       int
	MaxAttempts     int
	StuckAfter      time.Duration
	SendTimeout     time.Duration
	Concurrency     int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// WithDefaults returns c with unset fields filled in.
func (c DispatcherConfig) WithDefaults() DispatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = DefaultStuckAfter
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = DefaultMaxRetryBackoff
	}
	if c.MaxRetryBackoff < c.RetryBackoff {
		c.MaxRetryBackoff = c.RetryBackoff
	}
	return c
}

// Backoff computes the delay before the next attempt after the given number of
// attempts: RetryBackoff doubled per attempt, capped at MaxRetryBackoff.
func (c DispatcherConfig) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	backoff := float64(c.RetryBackoff) * math.Pow(2, float64(attempts-1))
	if backoff > float64(c.MaxRetryBackoff) {
		return c.MaxRetryBackoff
	}
	return time.Duration(backoff)
}

// OutcomeKind is the recorded result of one delivery attempt.
type OutcomeKind string

const (
	OutcomeSent   OutcomeKind = "sent"
	OutcomeRetry  OutcomeKind = "retry"
	OutcomeFailed OutcomeKind = "failed"
)

// Outcome describes a delivery attempt after its state has been recorded.
type Outcome struct {
	Kind OutcomeKind
	// Item reflects the stored state after the update.
	Item     QueueItem
	Provider string
	Err      error
	At       time.Time
}

// OutcomeHook observes recorded outcomes. Hooks run on the dispatch worker that
// recorded the outcome, so they must be quick. Errors are logged and otherwise ignored.
type OutcomeHook interface {
	OnOutcome(ctx context.Context, o Outcome) error
}

// OutcomeHookFunc adapts a function to OutcomeHook.
type OutcomeHookFunc func(ctx context.Context, o Outcome) error

func (f OutcomeHookFunc) OnOutcome(ctx context.Context, o Outcome) error {
	return f(ctx, o)
}

// CycleSummary reports what one dispatch cycle did.
type CycleSummary struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Released  int `json:"released"`
	// Lost counts items whose outcome could not be recorded under this cycle's claim.
	Lost int `json:"lost"`
	// Abandoned counts stuck items failed because they had no attempts left.
	Abandoned  int64         `json:"abandoned"`
	Skipped    bool          `json:"skipped"`
	SkipReason string        `json:"skipReason,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"-"`
}

// Dispatcher runs dispatch cycles. It holds no lock on queue state: the store's
// atomic claim is the only coordination between concurrent cycles, so RunCycle
// may be called from the scheduler, the HTTP trigger and the CLI at the same time.
type Dispatcher struct {
	store      Store
	settings   SettingsLoader
	transports TransportFactory
	hooks      []OutcomeHook
	cfg        DispatcherConfig
	log        *zap.SugaredLogger
	now        func() time.Time
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithOutcomeHooks registers hooks called after each recorded outcome.
func WithOutcomeHooks(hooks ...OutcomeHook) DispatcherOption {
	return func(d *Dispatcher) {
		for _, h := range hooks {
			if h != nil {
				d.hooks = append(d.hooks, h)
			}
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store Store, settings SettingsLoader, transports TransportFactory, cfg DispatcherConfig, log *zap.SugaredLogger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		settings:   settings,
		transports: transports,
		cfg:        cfg.WithDefaults(),
		log:        log.Named("dispatcher"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() DispatcherConfig {
	return d.cfg
}

// RunCycle claims due items, sends them and records each outcome.
//
// Cancelling ctx stops the cycle from starting further sends: claimed items not
// yet handed to the transport are released, while sends already in progress run
// to completion under SendTimeout and are recorded normally.
//
// Only failures to load settings or to claim are returned as errors. Per item
// failures are recorded on the item and counted in the summary.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleSummary, error) {
	started := d.now()
	ctx, span := tracer.Start(ctx, "mailqueue.dispatch.cycle")
	defer span.End()

	summary, err := d.runCycle(ctx, CycleSummary{StartedAt: started})
	summary.Duration = d.now().Sub(started)

	result := "ok"
	switch {
	case err != nil:
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case summary.Skipped:
		result = "skipped"
	}
	metrics.DispatchCycles.WithLabelValues(result).Inc()
	metrics.DispatchCycleDuration.Observe(summary.Duration.Seconds())
	span.SetAttributes(
		attribute.String("mailqueue.cycle.result", result),
		attribute.Int("mailqueue.cycle.processed", summary.Processed),
		attribute.Int("mailqueue.cycle.sent", summary.Sent),
		attribute.Int("mailqueue.cycle.failed", summary.Failed),
		attribute.Int("mailqueue.cycle.retried", summary.Retried),
	)
	return summary, err
}

func (d *Dispatcher) runCycle(ctx context.Context, summary CycleSummary) (CycleSummary, error) {
	settings, err := d.settings.Load(ctx)
	if err != nil {
		d.log.Errorw("Failed to load mail settings", "error", err)
		return summary, fmt.Errorf("load mail settings: %w", err)
	}
	if err := settings.Ready(); err != nil {
		summary.Skipped = true
		summary.SkipReason = err.Error()
		d.log.Infow("Mail transport not ready, skipping dispatch cycle", "reason", summary.SkipReason)
		return summary, nil
	}
	transport, err := d.transports(ctx, settings)
	if err != nil {
		summary.Skipped = true
		summary.SkipReason = err.Error()
		d.log.Warnw("Failed to build mail transport, skipping dispatch cycle", "error", err)
		return summary, nil
	}
	provider := transport.Name()

	now := d.now()
	stuckBefore := now.Add(-d.cfg.StuckAfter)
	reason := fmt.Sprintf("abandoned after %d attempts", d.cfg.MaxAttempts)
	abandoned, err := d.store.FailAbandoned(ctx, stuckBefore, d.cfg.MaxAttempts, reason)
	if err != nil {
		d.log.Warnw("Failed to fail abandoned queue items", "error", err)
	} else if abandoned > 0 {
		summary.Abandoned = abandoned
		metrics.MailFailed.WithLabelValues(provider, "abandoned").Add(float64(abandoned))
		d.log.Warnw("Failed abandoned queue items with no attempts left",
			"count", abandoned,
			"maxAttempts", d.cfg.MaxAttempts)
	}

	token := uuid.NewString()
	items, err := d.store.Claim(ctx, ClaimRequest{
		Limit:       d.cfg.BatchSize,
		Now:         now,
		StuckBefore: stuckBefore,
		MaxAttempts: d.cfg.MaxAttempts,
		Token:       token,
	})
	if err != nil {
		d.log.Errorw("Failed to claim queue items", "error", err)
		return summary, fmt.Errorf("claim queue items: %w", err)
	}
	summary.Processed = len(items)
	if len(items) == 0 {
		d.log.Debugw("No queued emails due")
		return summary, nil
	}
	metrics.MailClaimed.WithLabelValues(provider).Add(float64(len(items)))
	d.log.Infow("Claimed queued emails",
		"count", len(items),
		"provider", provider,
		"batchSize", d.cfg.BatchSize)

	for _, r := range d.sendAll(ctx, transport, items) {
		switch r {
		case resultSent:
			summary.Sent++
		case resultRetry:
			summary.Retried++
		case resultFailed:
			summary.Failed++
		case resultReleased:
			summary.Released++
		case resultLost:
			summary.Lost++
		}
	}

	d.log.Infow("Dispatch cycle finished",
		"processed", summary.Processed,
		"sent", summary.Sent,
		"retried", summary.Retried,
		"failed", summary.Failed,
		"released", summary.Released,
		"lost", summary.Lost)
	return summary, nil
}

type itemResult int

const (
	resultLost itemResult = iota
	resultSent
	resultRetry
	resultFailed
	resultReleased
)

// sendAll hands the claimed items to a bounded set of workers. Each worker
// writes only its own result slots.
func (d *Dispatcher) sendAll(ctx context.Context, transport Transport, items []QueueItem) []itemResult {
	results := make([]itemResult, len(items))
	jobs := make(chan int, len(items))
	for i := range items {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	workers := min(len(items), d.cfg.Concurrency)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = d.processItem(ctx, transport, items[i])
			}
		}()
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) processItem(ctx context.Context, transport Transport, item QueueItem) itemResult {
	provider := transport.Name()
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if ctx.Err() != nil {
		return d.releaseUnsent(recordCtx, provider, item)
	}

	d.log.Debugw("Processing queued email",
		"id", item.ID,
		"type", item.Type,
		"attempt", item.Attempts,
		"maxAttempts", d.cfg.MaxAttempts)

	start := time.Now()
	sendErr := d.send(ctx, transport, item)
	elapsed := time.Since(start).Seconds()
	now := d.now()

	outcome := Outcome{Item: item, Provider: provider, Err: sendErr, At: now}
	switch {
	case sendErr == nil:
		metrics.MailSendDuration.WithLabelValues(provider, "success").Observe(elapsed)
		if err := d.store.MarkSent(recordCtx, item.ID, item.ClaimToken, now); err != nil {
			return d.recordFailed(item, provider, "mark sent", err)
		}
		sentAt := now
		outcome.Kind = OutcomeSent
		outcome.Item.Status = StatusSent
		outcome.Item.SentAt = &sentAt
		outcome.Item.LastError = ""
		metrics.MailSent.WithLabelValues(provider).Inc()
		d.log.Infow("Queued email sent successfully",
			"id", item.ID,
			"type", item.Type,
			"attempt", item.Attempts)

	case IsPermanent(sendErr) || item.Attempts >= d.cfg.MaxAttempts:
		metrics.MailSendDuration.WithLabelValues(provider, "failure").Observe(elapsed)
		if err := d.store.MarkFailed(recordCtx, item.ID, item.ClaimToken, sendErr.Error()); err != nil {
			return d.recordFailed(item, provider, "mark failed", err)
		}
		reason := "exhausted"
		if IsPermanent(sendErr) {
			reason = "permanent"
		}
		outcome.Kind = OutcomeFailed
		outcome.Item.Status = StatusFailed
		outcome.Item.LastError = sendErr.Error()
		metrics.MailFailed.WithLabelValues(provider, reason).Inc()
		d.log.Errorw("Email send failed, giving up",
			"id", item.ID,
			"type", item.Type,
			"attempts", item.Attempts,
			"reason", reason,
			"error", sendErr)

	default:
		metrics.MailSendDuration.WithLabelValues(provider, "failure").Observe(elapsed)
		backoff := d.cfg.Backoff(item.Attempts)
		next := now.Add(backoff)
		if err := d.store.MarkRetry(recordCtx, item.ID, item.ClaimToken, sendErr.Error(), next); err != nil {
			return d.recordFailed(item, provider, "mark retry", err)
		}
		outcome.Kind = OutcomeRetry
		outcome.Item.Status = StatusPending
		outcome.Item.LastError = sendErr.Error()
		outcome.Item.NextAttemptAt = next
		metrics.MailRetryScheduled.WithLabelValues(provider).Inc()
		d.log.Warnw("Email send failed, scheduling retry",
			"id", item.ID,
			"attempt", item.Attempts,
			"error", sendErr,
			"retryIn", backoff.String(),
			"nextRetry", next.Format(time.RFC3339))
	}

	outcome.Item.ClaimToken = ""
	d.notify(recordCtx, outcome)

	switch outcome.Kind {
	case OutcomeSent:
		return resultSent
	case OutcomeRetry:
		return resultRetry
	default:
		return resultFailed
	}
}

// releaseUnsent hands a claimed but unsent item back to the queue. The claim
// already counted as an attempt, so an item on its last attempt is failed
// instead of becoming claimable past MaxAttempts.
func (d *Dispatcher) releaseUnsent(ctx context.Context, provider string, item QueueItem) itemResult {
	if item.Attempts < d.cfg.MaxAttempts {
		if err := d.store.Release(ctx, item.ID, item.ClaimToken, "dispatch cancelled before send"); err != nil {
			return d.recordFailed(item, provider, "release", err)
		}
		metrics.MailReleased.WithLabelValues(provider).Inc()
		d.log.Infow("Released unsent email after cancellation",
			"id", item.ID,
			"attempt", item.Attempts)
		return resultReleased
	}

	reason := fmt.Sprintf("dispatch cancelled before send on final attempt %d of %d", item.Attempts, d.cfg.MaxAttempts)
	if err := d.store.MarkFailed(ctx, item.ID, item.ClaimToken, reason); err != nil {
		return d.recordFailed(item, provider, "mark failed", err)
	}
	metrics.MailFailed.WithLabelValues(provider, "exhausted").Inc()
	d.log.Warnw("Failed unsent email after cancellation, no attempts left",
		"id", item.ID,
		"attempts", item.Attempts)

	outcome := Outcome{Kind: OutcomeFailed, Item: item, Provider: provider, At: d.now()}
	outcome.Item.Status = StatusFailed
	outcome.Item.LastError = reason
	outcome.Item.ClaimToken = ""
	d.notify(ctx, outcome)
	return resultFailed
}

// send runs one transport send under its own deadline. Only the deadline stops a
// send, cancelling the cycle does not. A send that outlives the deadline is
// reported as a transient failure and its goroutine is left to finish on its own.
func (d *Dispatcher) send(ctx context.Context, transport Transport, item QueueItem) error {
	ctx, span := tracer.Start(ctx, "mailqueue.transport.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("mailqueue.item.id", item.ID),
		attribute.String("mailqueue.item.type", item.Type),
		attribute.Int("mailqueue.item.attempt", item.Attempts),
		attribute.String("mailqueue.provider", transport.Name()),
	)

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- NewTransientError("send", fmt.Errorf("panic in %s transport: %v", transport.Name(), r))
			}
		}()
		done <- transport.Send(sendCtx, item)
	}()

	var err error
	select {
	case err = <-done:
		if err != nil && isTimeout(err) && !IsPermanent(err) {
			err = NewTransientError("send", err)
		}
	case <-sendCtx.Done():
		err = NewTransientError("send", fmt.Errorf("send did not finish within %s: %w", d.cfg.SendTimeout, sendCtx.Err()))
	}

	if err != nil {
		kind := "transient"
		if IsPermanent(err) {
			kind = "permanent"
		}
		span.SetAttributes(attribute.String("mailqueue.outcome", kind))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.String("mailqueue.outcome", "sent"))
	return nil
}

func (d *Dispatcher) recordFailed(item QueueItem, provider, op string, err error) itemResult {
	if errors.Is(err, ErrClaimLost) {
		metrics.MailClaimLost.WithLabelValues(provider).Inc()
		d.log.Warnw("Claim lost before outcome could be recorded",
			"id", item.ID,
			"op", op,
			"attempt", item.Attempts)
	} else {
		metrics.MailRecordErrors.WithLabelValues(provider, op).Inc()
		d.log.Errorw("Failed to record queue item outcome",
			"id", item.ID,
			"op", op,
			"error", err)
	}
	return resultLost
}

func (d *Dispatcher) notify(ctx context.Context, o Outcome) {
	for _, h := range d.hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Errorw("panic in outcome hook recovered", "id", o.Item.ID, "panic", r)
				}
			}()
			if err := h.OnOutcome(ctx, o); err != nil {
				d.log.Warnw("Outcome hook failed", "id", o.Item.ID, "kind", o.Kind, "error", err)
			}
		}()
	}
}

// ObserveQueueDepth publishes per status counts to the queue depth gauge.
func ObserveQueueDepth(stats map[Status]int64) {
	for _, s := range []Status{StatusPending, StatusProcessing, StatusSent, StatusFailed} {
		metrics.QueueDepth.WithLabelValues(string(s)).Set(float64(stats[s]))
	}
}
