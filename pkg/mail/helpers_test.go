package mail_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webportal/mailqueue/pkg/mail"
	"github.com/webportal/mailqueue/pkg/store/memory"
	"github.com/webportal/mailqueue/pkg/system"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: baseTime}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticSettings struct {
	s   mail.TransportSettings
	err error
}

func (s staticSettings) Load(context.Context) (mail.TransportSettings, error) {
	return s.s, s.err
}

func enabledSettings() staticSettings {
	return staticSettings{s: mail.TransportSettings{
		Enabled:     true,
		Provider:    mail.ProviderSMTP,
		Host:        "smtp.example.com",
		Port:        587,
		FromAddress: "noreply@example.com",
		FromName:    "Portal",
	}}
}

// fakeTransport records every send and answers with fail, if set.
type fakeTransport struct {
	mu    sync.Mutex
	sends map[string]int
	order []string
	fail  func(item mail.QueueItem) error
	hook  func(ctx context.Context, item mail.QueueItem)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sends: make(map[string]int)}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) TestConnection(context.Context) error { return nil }

func (f *fakeTransport) Send(ctx context.Context, item mail.QueueItem) error {
	if f.hook != nil {
		f.hook(ctx, item)
	}
	f.mu.Lock()
	f.sends[item.ID]++
	f.order = append(f.order, item.ID)
	f.mu.Unlock()
	if f.fail != nil {
		return f.fail(item)
	}
	return nil
}

func (f *fakeTransport) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[id]
}

func (f *fakeTransport) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func (f *fakeTransport) factory() mail.TransportFactory {
	return func(context.Context, mail.TransportSettings) (mail.Transport, error) {
		return f, nil
	}
}

type recordingHook struct {
	mu       sync.Mutex
	outcomes []mail.Outcome
}

func (h *recordingHook) OnOutcome(_ context.Context, o mail.Outcome) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outcomes = append(h.outcomes, o)
	return nil
}

func (h *recordingHook) kinds() []mail.OutcomeKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]mail.OutcomeKind, 0, len(h.outcomes))
	for _, o := range h.outcomes {
		out = append(out, o.Kind)
	}
	return out
}

// seed inserts a pending item created at the given offset from baseTime.
func seed(t *testing.T, store mail.Store, id string, createdOffset time.Duration) {
	t.Helper()
	created := baseTime.Add(createdOffset)
	require.NoError(t, store.Insert(context.Background(), &mail.QueueItem{
		ID:             id,
		RecipientEmail: id + "@example.com",
		Subject:        "Subject " + id,
		ContentText:    "Body " + id,
		Type:           mail.TypeSystem,
		Status:         mail.StatusPending,
		CreatedAt:      created,
		UpdatedAt:      created,
		NextAttemptAt:  created,
	}))
}

func mustGet(t *testing.T, store mail.Store, id string) *mail.QueueItem {
	t.Helper()
	item, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return item
}

func newTestDispatcher(store mail.Store, settings mail.SettingsLoader, transport *fakeTransport, clock *fakeClock, cfg mail.DispatcherConfig, opts ...mail.DispatcherOption) *mail.Dispatcher {
	opts = append([]mail.DispatcherOption{mail.WithClock(clock.Now)}, opts...)
	return mail.NewDispatcher(store, settings, transport.factory(), cfg, system.NewTestLogger(), opts...)
}

var errMailboxFull = errors.New("452 mailbox full")

func transientFailure(mail.QueueItem) error {
	return mail.NewTransientError("rcpt", errMailboxFull)
}

func permanentFailure(item mail.QueueItem) error {
	return mail.NewPermanentError("rcpt", fmt.Errorf("550 no such user %s", item.RecipientEmail))
}

func newMemoryStore() *memory.Store {
	return memory.New()
}
