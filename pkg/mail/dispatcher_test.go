package mail_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webportal/mailqueue/pkg/mail"
	"github.com/webportal/mailqueue/pkg/metrics"
)

func TestRunCycle_BatchSizeOneSendsOldestFirst(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	seed(t, store, "a", -2*time.Minute)
	seed(t, store, "b", -1*time.Minute)

	transport := newFakeTransport()
	clock := newFakeClock()
	d := newTestDispatcher(store, enabledSettings(), transport, clock, mail.DispatcherConfig{BatchSize: 1})

	summary, err := d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Sent)

	a := mustGet(t, store, "a")
	assert.Equal(t, mail.StatusSent, a.Status)
	assert.Equal(t, 1, a.Attempts)
	require.NotNil(t, a.SentAt)
	assert.Empty(t, a.LastError)

	b := mustGet(t, store, "b")
	assert.Equal(t, mail.StatusPending, b.Status)
	assert.Equal(t, 0, b.Attempts)

	summary, err = d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, mail.StatusSent, mustGet(t, store, "b").Status)

	summary, err = d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, []string{"a", "b"}, transport.order)
}

func TestRunCycle_BoundedRetry(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	seed(t, store, "c", -time.Minute)

	transport := newFakeTransport()
	transport.fail = transientFailure
	clock := newFakeClock()
	cfg := mail.DispatcherConfig{MaxAttempts: 3, RetryBackoff: time.Minute, MaxRetryBackoff: 10 * time.Minute}
	d := newTestDispatcher(store, enabledSettings(), transport, clock, cfg)

	prevAttempts := 0
	for run := 1; run <= 3; run++ {
		summary, err := d.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Processed, "run %d", run)

		item := mustGet(t, store, "c")
		assert.Equal(t, prevAttempts+1, item.Attempts, "attempts grow by one per claim")
		assert.Contains(t, item.LastError, "mailbox full")
		prevAttempts = item.Attempts

		if run < 3 {
			assert.Equal(t, mail.StatusPending, item.Status)
			assert.Equal(t, 1, summary.Retried)
			assert.True(t, item.NextAttemptAt.After(clock.Now()))

			// not due yet
			early, err := d.RunCycle(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, early.Processed)

			clock.Advance(cfg.WithDefaults().Backoff(item.Attempts) + time.Second)
		} else {
			assert.Equal(t, mail.StatusFailed, item.Status)
			assert.Equal(t, 1, summary.Failed)
		}
	}

	clock.Advance(time.Hour)
	summary, err := d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 3, transport.count("c"))
	assert.Equal(t, 3, mustGet(t, store, "c").Attempts)
}

func TestRunCycle_PermanentFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	seed(t, store, "p", -time.Minute)

	transport := newFakeTransport()
	transport.fail = permanentFailure
	hook := &recordingHook{}
	d := newTestDispatcher(store, enabledSettings(), transport, newFakeClock(), mail.DispatcherConfig{}, mail.WithOutcomeHooks(hook))

	summary, err := d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	item := mustGet(t, store, "p")
	assert.Equal(t, mail.StatusFailed, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Contains(t, item.LastError, "550")
	assert.Equal(t, []mail.OutcomeKind{mail.OutcomeFailed}, hook.kinds())

	summary, err = d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 1, transport.count("p"))
}

func TestRunCycle_ConcurrentRunsSendOnce(t *testing.T) {
	store := newMemoryStore()
	seed(t, store, "d", -time.Minute)

	claimed := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	transport := newFakeTransport()
	transport.hook = func(context.Context, mail.QueueItem) {
		once.Do(func() { close(claimed) })
		<-proceed
	}
	d := newTestDispatcher(store, enabledSettings(), transport, newFakeClock(), mail.DispatcherConfig{})

	first := make(chan mail.CycleSummary, 1)
	go func() {
		s, err := d.RunCycle(context.Background())
		assert.NoError(t, err)
		first <- s
	}()

	<-claimed
	second, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Processed, "second run must not see the claimed item")
	close(proceed)

	s1 := <-first
	assert.Equal(t, 1, s1.Sent)
	assert.Equal(t, 1, transport.count("d"))
	assert.Equal(t, mail.StatusSent, mustGet(t, store, "d").Status)
}

func TestRunCycle_ClaimExclusivityUnderLoad(t *testing.T) {
	store := newMemoryStore()
	const n = 120
	for i := 0; i < n; i++ {
		seed(t, store, fmt.Sprintf("item-%03d", i), -time.Duration(n-i)*time.Second)
	}

	transport := newFakeTransport()
	d := newTestDispatcher(store, enabledSettings(), transport, newFakeClock(), mail.DispatcherConfig{BatchSize: 7, Concurrency: 3})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_, err := d.RunCycle(context.Background())
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(n), stats[mail.StatusSent])
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("item-%03d", i)
		assert.Equal(t, 1, transport.count(id), "item %s", id)
		assert.Equal(t, 1, mustGet(t, store, id).Attempts)
	}
}

func TestRunCycle_TransportNotReadyIsNoop(t *testing.T) {
	tests := []struct {
		name     string
		settings mail.TransportSettings
		reason   string
	}{
		{
			name:     "disabled",
			settings: mail.TransportSettings{Enabled: false, Provider: mail.ProviderSMTP, Host: "smtp.example.com", Port: 587, FromAddress: "a@example.com"},
			reason:   "disabled",
		},
		{
			name:     "missing host",
			settings: mail.TransportSettings{Enabled: true, Provider: mail.ProviderSMTP, Port: 587, FromAddress: "a@example.com"},
			reason:   "host",
		},
		{
			name:     "missing sendgrid key",
			settings: mail.TransportSettings{Enabled: true, Provider: mail.ProviderSendGrid, FromAddress: "a@example.com"},
			reason:   "api key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore()
			seed(t, store, "x", -time.Minute)
			transport := newFakeTransport()
			d := newTestDispatcher(store, staticSettings{s: tt.settings}, transport, newFakeClock(), mail.DispatcherConfig{})

			summary, err := d.RunCycle(context.Background())
			require.NoError(t, err)
			assert.True(t, summary.Skipped)
			assert.Contains(t, summary.SkipReason, tt.reason)
			assert.Equal(t, 0, summary.Processed)
			assert.Equal(t, 0, transport.total())

			item := mustGet(t, store, "x")
			assert.Equal(t, mail.StatusPending, item.Status)
			assert.Equal(t, 0, item.Attempts)
		})
	}
}

func TestRunCycle_SettingsLoadErrorIsReturned(t *testing.T) {
	store := newMemoryStore()
	seed(t, store, "x", -time.Minute)
	d := newTestDispatcher(store, staticSettings{err: assert.AnError}, newFakeTransport(), newFakeClock(), mail.DispatcherConfig{})

	_, err := d.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, mustGet(t, store, "x").Attempts)
}

func TestRunCycle_ReclaimsStuckItems(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	clock := newFakeClock()
	seed(t, store, "s", -time.Hour)

	// A crashed run claimed the item long ago.
	claimed, err := store.Claim(ctx, mail.ClaimRequest{
		Limit:       1,
		Now:         clock.Now().Add(-20 * time.Minute),
		StuckBefore: clock.Now().Add(-time.Hour),
		MaxAttempts: 5,
		Token:       "crashed-run",
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	transport := newFakeTransport()
	d := newTestDispatcher(store, enabledSettings(), transport, clock, mail.DispatcherConfig{StuckAfter: 15 * time.Minute})

	summary, err := d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)

	item := mustGet(t, store, "s")
	assert.Equal(t, mail.StatusSent, item.Status)
	assert.Equal(t, 2, item.Attempts)

	err = store.MarkRetry(ctx, "s", "crashed-run", "late", clock.Now())
	assert.ErrorIs(t, err, mail.ErrClaimLost, "the old claim can no longer overwrite the outcome")
	assert.Equal(t, mail.StatusSent, mustGet(t, store, "s").Status)
}

func TestRunCycle_FailsAbandonedItemsWithoutAttemptsLeft(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	clock := newFakeClock()
	seed(t, store, "z", -time.Hour)

	for i := 0; i < 3; i++ {
		items, err := store.Claim(ctx, mail.ClaimRequest{
			Limit:       1,
			Now:         clock.Now().Add(-30 * time.Minute),
			StuckBefore: clock.Now(),
			MaxAttempts: 3,
			Token:       fmt.Sprintf("run-%d", i),
		})
		require.NoError(t, err)
		require.Len(t, items, 1)
	}
	require.Equal(t, 3, mustGet(t, store, "z").Attempts)

	transport := newFakeTransport()
	d := newTestDispatcher(store, enabledSettings(), transport, clock, mail.DispatcherConfig{MaxAttempts: 3})

	summary, err := d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Abandoned)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 0, transport.total())

	item := mustGet(t, store, "z")
	assert.Equal(t, mail.StatusFailed, item.Status)
	assert.Equal(t, "abandoned after 3 attempts", item.LastError)
}

func TestRunCycle_ReleasesUnsentItemsOnCancel(t *testing.T) {
	store := newMemoryStore()
	seed(t, store, "first", -2*time.Minute)
	seed(t, store, "second", -time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newFakeTransport()
	transport.hook = func(_ context.Context, item mail.QueueItem) {
		if item.ID == "first" {
			cancel()
		}
	}
	d := newTestDispatcher(store, enabledSettings(), transport, newFakeClock(), mail.DispatcherConfig{Concurrency: 1})

	summary, err := d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Sent, "a send already in progress finishes")
	assert.Equal(t, 1, summary.Released)
	assert.Equal(t, 0, transport.count("second"))

	second := mustGet(t, store, "second")
	assert.Equal(t, mail.StatusPending, second.Status)
	assert.Equal(t, 1, second.Attempts, "the claim still counts as an attempt")

	assert.Equal(t, mail.StatusSent, mustGet(t, store, "first").Status)
}

func TestRunCycle_CancelOnFinalAttemptFailsItem(t *testing.T) {
	store := newMemoryStore()
	clock := newFakeClock()
	seed(t, store, "x", -time.Hour)

	transport := newFakeTransport()
	var cancel context.CancelFunc
	transport.hook = func(_ context.Context, item mail.QueueItem) {
		if strings.HasPrefix(item.ID, "canceller-") {
			cancel()
		}
	}
	hook := &recordingHook{}
	d := newTestDispatcher(store, enabledSettings(), transport, clock,
		mail.DispatcherConfig{MaxAttempts: 2, Concurrency: 1}, mail.WithOutcomeHooks(hook))

	for run := 1; run <= 4; run++ {
		// each run claims an older item first, whose send cancels the cycle
		seed(t, store, fmt.Sprintf("canceller-%d", run), -time.Duration(run+1)*time.Hour)
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		_, err := d.RunCycle(ctx)
		cancel()
		require.NoError(t, err)
		clock.Advance(time.Hour)
	}

	x := mustGet(t, store, "x")
	assert.Equal(t, mail.StatusFailed, x.Status)
	assert.Equal(t, 2, x.Attempts, "never claimed more than MaxAttempts times")
	assert.Contains(t, x.LastError, "final attempt")
	assert.Equal(t, 0, transport.count("x"))
	assert.Contains(t, hook.kinds(), mail.OutcomeFailed)
}

func TestRunCycle_CallerCancellationDoesNotAbandonSend(t *testing.T) {
	store := newMemoryStore()
	seed(t, store, "slow", -time.Minute)

	transport := newFakeTransport()
	transport.hook = func(context.Context, mail.QueueItem) {
		// delivers regardless of its context, like gomail
		time.Sleep(150 * time.Millisecond)
	}
	d := newTestDispatcher(store, enabledSettings(), transport, newFakeClock(), mail.DispatcherConfig{SendTimeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	summary, err := d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 0, summary.Retried)
	assert.Equal(t, mail.StatusSent, mustGet(t, store, "slow").Status)

	again, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, again.Processed)
	assert.Equal(t, 1, transport.count("slow"), "delivered exactly once")
}

func TestRunCycle_SendTimeoutIsTransient(t *testing.T) {
	store := newMemoryStore()
	seed(t, store, "slow", -time.Minute)

	unblock := make(chan struct{})
	defer close(unblock)
	transport := newFakeTransport()
	transport.hook = func(context.Context, mail.QueueItem) {
		<-unblock
	}
	d := newTestDispatcher(store, enabledSettings(), transport, newFakeClock(), mail.DispatcherConfig{SendTimeout: 50 * time.Millisecond})

	summary, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Retried)

	item := mustGet(t, store, "slow")
	assert.Equal(t, mail.StatusPending, item.Status)
	assert.Contains(t, item.LastError, "did not finish")
}

func TestRunCycle_PanickingTransportIsRetried(t *testing.T) {
	store := newMemoryStore()
	seed(t, store, "boom", -time.Minute)

	transport := newFakeTransport()
	transport.hook = func(context.Context, mail.QueueItem) {
		panic("connection pool exploded")
	}
	d := newTestDispatcher(store, enabledSettings(), transport, newFakeClock(), mail.DispatcherConfig{})

	summary, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Retried)
	assert.Contains(t, mustGet(t, store, "boom").LastError, "panic")
}

func TestRunCycle_OneFailureDoesNotBlockOthers(t *testing.T) {
	store := newMemoryStore()
	seed(t, store, "bad", -3*time.Minute)
	seed(t, store, "good-1", -2*time.Minute)
	seed(t, store, "good-2", -time.Minute)

	transport := newFakeTransport()
	transport.fail = func(item mail.QueueItem) error {
		if item.ID == "bad" {
			return permanentFailure(item)
		}
		return nil
	}
	hook := &recordingHook{}
	d := newTestDispatcher(store, enabledSettings(), transport, newFakeClock(), mail.DispatcherConfig{}, mail.WithOutcomeHooks(hook))

	summary, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 2, summary.Sent)
	assert.Equal(t, 1, summary.Failed)
	assert.ElementsMatch(t, []mail.OutcomeKind{mail.OutcomeSent, mail.OutcomeSent, mail.OutcomeFailed}, hook.kinds())
}

func TestRunCycle_HookErrorsAreIgnored(t *testing.T) {
	store := newMemoryStore()
	seed(t, store, "h", -time.Minute)

	failing := mail.OutcomeHookFunc(func(context.Context, mail.Outcome) error {
		return assert.AnError
	})
	d := newTestDispatcher(store, enabledSettings(), newFakeTransport(), newFakeClock(), mail.DispatcherConfig{}, mail.WithOutcomeHooks(failing))

	summary, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
}

// brokenMarkSent fails every MarkSent with a storage error.
type brokenMarkSent struct {
	mail.Store
}

func (brokenMarkSent) MarkSent(context.Context, string, string, time.Time) error {
	return fmt.Errorf("update mail_queue: %w", assert.AnError)
}

func TestRunCycle_StoreErrorIsNotCountedAsClaimLost(t *testing.T) {
	store := newMemoryStore()
	seed(t, store, "w", -time.Minute)

	recordErrs := metrics.MailRecordErrors.WithLabelValues("fake", "mark sent")
	claimLost := metrics.MailClaimLost.WithLabelValues("fake")
	recordBefore := testutil.ToFloat64(recordErrs)
	lostBefore := testutil.ToFloat64(claimLost)

	d := newTestDispatcher(brokenMarkSent{store}, enabledSettings(), newFakeTransport(), newFakeClock(), mail.DispatcherConfig{})
	summary, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Lost)

	assert.Equal(t, recordBefore+1, testutil.ToFloat64(recordErrs))
	assert.Equal(t, lostBefore, testutil.ToFloat64(claimLost))
}

func TestDispatcherConfig_Backoff(t *testing.T) {
	cfg := mail.DispatcherConfig{}.WithDefaults()
	assert.Equal(t, time.Minute, cfg.Backoff(0))
	assert.Equal(t, time.Minute, cfg.Backoff(1))
	assert.Equal(t, 2*time.Minute, cfg.Backoff(2))
	assert.Equal(t, 4*time.Minute, cfg.Backoff(3))
	assert.Equal(t, 16*time.Minute, cfg.Backoff(5))
	assert.Equal(t, 30*time.Minute, cfg.Backoff(6))
	assert.Equal(t, 30*time.Minute, cfg.Backoff(40))
}

func TestDispatcherConfig_WithDefaults(t *testing.T) {
	cfg := mail.DispatcherConfig{}.WithDefaults()
	assert.Equal(t, mail.DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, mail.DefaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, mail.DefaultStuckAfter, cfg.StuckAfter)
	assert.Equal(t, mail.DefaultSendTimeout, cfg.SendTimeout)
	assert.Equal(t, mail.DefaultConcurrency, cfg.Concurrency)

	custom := mail.DispatcherConfig{RetryBackoff: time.Hour, MaxRetryBackoff: time.Minute}.WithDefaults()
	assert.Equal(t, time.Hour, custom.MaxRetryBackoff)
}
