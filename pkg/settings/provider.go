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

package settings

import (
	"context"
	"errors"
	"fmt"
	netmail "net/mail"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/webportal/mailqueue/pkg/mail"
	"github.com/webportal/mailqueue/pkg/metrics"
)

// Enqueuer queues an email for delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, in mail.NewQueueItem) (string, error)
}

// Provider serves the settings record to the dispatcher (unmasked) and to the
// admin API (masked).
type Provider struct {
	store      Store
	defaults   mail.TransportSettings
	transports mail.TransportFactory
	enqueuer   Enqueuer
	log        *zap.SugaredLogger
	now        func() time.Time

	// mu serializes read-modify-write updates from this process.
	mu sync.Mutex
}

var _ mail.SettingsLoader = (*Provider)(nil)

// NewProvider creates a settings provider. defaults are returned until a record
// has been saved.
func NewProvider(store Store, defaults mail.TransportSettings, transports mail.TransportFactory, enqueuer Enqueuer, log *zap.SugaredLogger) *Provider {
	if defaults.Provider == "" {
		defaults.Provider = mail.ProviderSMTP
	}
	if defaults.Port == 0 && defaults.Provider == mail.ProviderSMTP {
		defaults.Port = 587
	}
	return &Provider{
		store:      store,
		defaults:   defaults,
		transports: transports,
		enqueuer:   enqueuer,
		log:        log.Named("settings"),
		now:        time.Now,
	}
}

// Load returns the current unmasked settings.
func (p *Provider) Load(ctx context.Context) (mail.TransportSettings, error) {
	s, err := p.store.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		return p.defaults, nil
	}
	if err != nil {
		return mail.TransportSettings{}, fmt.Errorf("load settings: %w", err)
	}
	return s, nil
}

// Get returns the masked settings.
func (p *Provider) Get(ctx context.Context) (View, error) {
	s, err := p.Load(ctx)
	if err != nil {
		return View{}, err
	}
	return NewView(s), nil
}

// Patch applies a partial update and returns the masked result.
func (p *Provider) Patch(ctx context.Context, patch Patch) (View, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, err := p.Load(ctx)
	if err != nil {
		return View{}, err
	}
	next := patch.Apply(cur)
	if err := validate(next); err != nil {
		return View{}, err
	}
	next.UpdatedAt = p.now().UTC()

	if err := p.store.Save(ctx, next); err != nil {
		return View{}, fmt.Errorf("save settings: %w", err)
	}
	if next.Enabled {
		if err := next.Complete(); err != nil {
			p.log.Warnw("Mail sending enabled with incomplete settings, dispatch cycles will be skipped", "reason", err)
		}
	}
	p.log.Infow("Mail settings updated",
		"enabled", next.Enabled,
		"provider", next.Provider,
		"host", next.Host)
	return NewView(next), nil
}

func validate(s mail.TransportSettings) error {
	if !s.Provider.Valid() {
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidPatch, s.Provider)
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("%w: port %d is out of range", ErrInvalidPatch, s.Port)
	}
	if s.FromAddress != "" {
		if _, err := netmail.ParseAddress(s.FromAddress); err != nil {
			return fmt.Errorf("%w: from address %q is not a valid address", ErrInvalidPatch, s.FromAddress)
		}
	}
	return nil
}

// TestConnection runs the handshake of the configured transport without sending
// mail. It works while sending is disabled.
func (p *Provider) TestConnection(ctx context.Context) error {
	s, err := p.Load(ctx)
	if err != nil {
		return err
	}
	provider := string(s.Provider)
	transport, err := p.transports(ctx, s)
	if err != nil {
		metrics.TransportTests.WithLabelValues(provider, "invalid").Inc()
		return err
	}
	if err := transport.TestConnection(ctx); err != nil {
		metrics.TransportTests.WithLabelValues(provider, "failure").Inc()
		p.log.Warnw("Mail transport connection test failed", "provider", provider, "error", err)
		return err
	}
	metrics.TransportTests.WithLabelValues(provider, "success").Inc()
	p.log.Infow("Mail transport connection test succeeded", "provider", provider)
	return nil
}
