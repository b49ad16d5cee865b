package mail

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Provider names a mail transport implementation.
type Provider string

const (
	ProviderSMTP     Provider = "smtp"
	ProviderSES      Provider = "ses"
	ProviderSendGrid Provider = "sendgrid"
)

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderSMTP, ProviderSES, ProviderSendGrid:
		return true
	}
	return false
}

// Transport delivers a single queued email to an external mail system.
//
// Send must return a *TransportError so the dispatcher can tell transient from
// permanent failures. Unclassified errors are retried.
type Transport interface {
	Send(ctx context.Context, item QueueItem) error
	// TestConnection performs the transport handshake without sending mail.
	TestConnection(ctx context.Context) error
	Name() string
}

// TransportSettings is the unmasked transport configuration read at the start
// of every dispatch cycle.
type TransportSettings struct {
	Enabled            bool
	Provider           Provider
	Host               string
	Port               int
	Username           string
	Password           string
	APIKey             string
	Region             string
	AccessKeyID        string
	SecretAccessKey    string
	FromAddress        string
	FromName           string
	UseSSL             bool
	InsecureSkipVerify bool
	UpdatedAt          time.Time
}

// SettingsLoader returns the current transport settings.
type SettingsLoader interface {
	Load(ctx context.Context) (TransportSettings, error)
}

// Ready returns ErrTransportDisabled or ErrIncompleteSettings when no mail can be
// sent with s.
func (s TransportSettings) Ready() error {
	if !s.Enabled {
		return ErrTransportDisabled
	}
	return s.Complete()
}

// Complete checks that the provider specific fields are present, ignoring the
// enabled flag so a connection can be tested before sending is switched on.
func (s TransportSettings) Complete() error {
	if strings.TrimSpace(s.FromAddress) == "" {
		return fmt.Errorf("%w: from address is empty", ErrIncompleteSettings)
	}
	switch s.Provider {
	case ProviderSMTP, "":
		if strings.TrimSpace(s.Host) == "" {
			return fmt.Errorf("%w: smtp host is empty", ErrIncompleteSettings)
		}
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("%w: smtp port %d is out of range", ErrIncompleteSettings, s.Port)
		}
		if s.Username != "" && s.Password == "" {
			return fmt.Errorf("%w: smtp password is empty", ErrIncompleteSettings)
		}
	case ProviderSES:
		if s.Region == "" {
			return fmt.Errorf("%w: ses region is empty", ErrIncompleteSettings)
		}
		if (s.AccessKeyID == "") != (s.SecretAccessKey == "") {
			return fmt.Errorf("%w: ses access key id and secret must be set together", ErrIncompleteSettings)
		}
	case ProviderSendGrid:
		if s.APIKey == "" {
			return fmt.Errorf("%w: sendgrid api key is empty", ErrIncompleteSettings)
		}
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrIncompleteSettings, s.Provider)
	}
	return nil
}

// TransportFactory builds a transport from settings.
type TransportFactory func(ctx context.Context, s TransportSettings) (Transport, error)

// NewTransportFactory returns the factory used in production. dkim may be nil.
func NewTransportFactory(dkim *DKIMSigner) TransportFactory {
	return func(ctx context.Context, s TransportSettings) (Transport, error) {
		if err := s.Complete(); err != nil {
			return nil, err
		}
		switch s.Provider {
		case ProviderSES:
			return NewSESTransport(ctx, s)
		case ProviderSendGrid:
			return NewSendGridTransport(s), nil
		default:
			return NewSMTPTransport(s, dkim), nil
		}
	}
}
