package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"

	"github.com/webportal/mailqueue/pkg/config"
	"github.com/webportal/mailqueue/pkg/mail"
	"github.com/webportal/mailqueue/pkg/settings"
	"github.com/webportal/mailqueue/pkg/store/memory"
	"github.com/webportal/mailqueue/pkg/system"
)

const (
	testSigningKey = "portal-signing-key-for-tests"
	testSecret     = "dispatch-secret"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	summary mail.CycleSummary
	err     error
	ctxErr  error
}

func (f *fakeRunner) RunCycle(ctx context.Context) (mail.CycleSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ctxErr = ctx.Err()
	return f.summary, f.err
}

func (f *fakeRunner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStatus struct{ status mail.SchedulerStatus }

func (f fakeStatus) Status() mail.SchedulerStatus { return f.status }

type fakeRecent struct {
	enabled bool
	ids     []string
	err     error
}

func (f fakeRecent) Enabled() bool { return f.enabled }

func (f fakeRecent) Page(_ context.Context, page, pageSize int) ([]string, int64, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	start := min((page-1)*pageSize, len(f.ids))
	end := min(start+pageSize, len(f.ids))
	return f.ids[start:end], int64(len(f.ids)), nil
}

type fakeSettings struct {
	view       settings.View
	patchErr   error
	testErr    error
	sendErr    error
	lastPatch  settings.Patch
	lastTestTo string
}

func (f *fakeSettings) Get(context.Context) (settings.View, error) { return f.view, nil }

func (f *fakeSettings) Patch(_ context.Context, p settings.Patch) (settings.View, error) {
	f.lastPatch = p
	if f.patchErr != nil {
		return settings.View{}, f.patchErr
	}
	if p.Host != nil {
		f.view.Host = *p.Host
	}
	return f.view, nil
}

func (f *fakeSettings) TestConnection(context.Context) error { return f.testErr }

func (f *fakeSettings) SendTestEmail(_ context.Context, to string) (string, error) {
	f.lastTestTo = to
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return "test-id", nil
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("dial tcp: connection refused") }

type harness struct {
	server   *Server
	runner   *fakeRunner
	store    *memory.Store
	settings *fakeSettings
}

type harnessOpts struct {
	signingKey string
	secret     string
	recent     RecentIndex
	ready      Pinger
	server     config.Server
	store      *memory.Store
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := system.NewTestLogger()

	h := &harness{
		runner:   &fakeRunner{summary: mail.CycleSummary{Processed: 2, Sent: 1, Retried: 1}},
		store:    opts.store,
		settings: &fakeSettings{view: settings.View{Provider: "smtp", Host: "smtp.example.com", Password: "********"}},
	}
	if h.store == nil {
		h.store = memory.New()
	}
	if opts.ready == nil {
		opts.ready = h.store
	}
	h.server = NewServer(system.NewTestZapLogger(), opts.server, false, opts.ready)
	t.Cleanup(h.server.Close)

	admin := h.server.AdminHandlers(NewAdminAuth(opts.signingKey, "admin", log))
	status := fakeStatus{status: mail.SchedulerStatus{Running: true, Interval: "5m0s"}}
	err := h.server.RegisterAll([]APIController{
		NewDispatchController(h.runner, status, opts.secret, h.server.TriggerLimiter(), admin, log),
		NewQueueController(h.store, mail.NewEnqueuer(h.store, log), opts.recent, admin, log),
		NewSettingsController(h.settings, admin, log),
	})
	require.NoError(t, err)
	return h
}

func defaultHarness(t *testing.T) *harness {
	return newHarness(t, harnessOpts{signingKey: testSigningKey, secret: testSecret})
}

func mintToken(t *testing.T, key string, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return signed
}

func adminToken(t *testing.T) string {
	return mintToken(t, testSigningKey, jwt.MapClaims{"sub": "admin-1", "email": "ops@example.com", "role": "admin"})
}

func (h *harness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	return w
}

func (h *harness) admin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return h.do(t, method, path, body, map[string]string{"Authorization": "Bearer " + adminToken(t)})
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func enqueue(t *testing.T, store *memory.Store, in mail.NewQueueItem) string {
	t.Helper()
	id, err := mail.NewEnqueuer(store, system.NewTestLogger()).Enqueue(context.Background(), in)
	require.NoError(t, err)
	return id
}

func validItem(to string) mail.NewQueueItem {
	return mail.NewQueueItem{
		RecipientEmail: to,
		Subject:        "Your project was updated",
		ContentText:    "Hello",
		Type:           mail.TypeProjectUpdate,
	}
}
