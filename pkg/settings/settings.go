// Package settings owns the singleton mail transport configuration: persistence
// contract, the masked view served to the admin UI, partial updates and the
// connectivity self-test.
package settings

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/webportal/mailqueue/pkg/mail"
)

// ErrNotFound is returned by stores when no settings record has been saved yet.
var ErrNotFound = errors.New("mail settings not found")

// ErrInvalidPatch wraps validation failures of a settings update.
var ErrInvalidPatch = errors.New("invalid settings update")

// Store persists the settings record.
type Store interface {
	Load(ctx context.Context) (mail.TransportSettings, error)
	Save(ctx context.Context, s mail.TransportSettings) error
}

const (
	maskedShort = "********"
	// revealMinRunes is the shortest secret whose edges are shown.
	revealMinRunes = 16
	revealEdge     = 4
)

// Mask hides a secret for display. Secrets of at least 16 characters keep
// their first and last four, shorter ones are fully hidden. Empty secrets
// stay empty.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	r := []rune(secret)
	if len(r) < revealMinRunes {
		return maskedShort
	}
	return string(r[:revealEdge]) + "..." + string(r[len(r)-revealEdge:])
}

// View is the admin facing representation with every secret masked.
type View struct {
	Enabled            bool       `json:"enabled"`
	Provider           string     `json:"provider"`
	Host               string     `json:"host"`
	Port               int        `json:"port"`
	Username           string     `json:"username"`
	Password           string     `json:"password"`
	APIKey             string     `json:"apiKey"`
	Region             string     `json:"region"`
	AccessKeyID        string     `json:"accessKeyId"`
	SecretAccessKey    string     `json:"secretAccessKey"`
	FromAddress        string     `json:"fromAddress"`
	FromName           string     `json:"fromName"`
	UseSSL             bool       `json:"useSsl"`
	InsecureSkipVerify bool       `json:"insecureSkipVerify"`
	UpdatedAt          *time.Time `json:"updatedAt,omitempty"`
}

// NewView masks s.
func NewView(s mail.TransportSettings) View {
	v := View{
		Enabled:            s.Enabled,
		Provider:           string(s.Provider),
		Host:               s.Host,
		Port:               s.Port,
		Username:           s.Username,
		Password:           Mask(s.Password),
		APIKey:             Mask(s.APIKey),
		Region:             s.Region,
		AccessKeyID:        s.AccessKeyID,
		SecretAccessKey:    Mask(s.SecretAccessKey),
		FromAddress:        s.FromAddress,
		FromName:           s.FromName,
		UseSSL:             s.UseSSL,
		InsecureSkipVerify: s.InsecureSkipVerify,
	}
	if !s.UpdatedAt.IsZero() {
		at := s.UpdatedAt
		v.UpdatedAt = &at
	}
	return v
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Enabled            *bool   `json:"enabled"`
	Provider           *string `json:"provider"`
	Host               *string `json:"host"`
	Port               *int    `json:"port"`
	Username           *string `json:"username"`
	Password           *string `json:"password"`
	APIKey             *string `json:"apiKey"`
	Region             *string `json:"region"`
	AccessKeyID        *string `json:"accessKeyId"`
	SecretAccessKey    *string `json:"secretAccessKey"`
	FromAddress        *string `json:"fromAddress"`
	FromName           *string `json:"fromName"`
	UseSSL             *bool   `json:"useSsl"`
	InsecureSkipVerify *bool   `json:"insecureSkipVerify"`
}

// Apply returns cur with the patch applied. A secret equal to the masked form of
// the current value is ignored, so a form that echoes the GET body back does not
// overwrite the stored secret.
func (p Patch) Apply(cur mail.TransportSettings) mail.TransportSettings {
	next := cur
	if p.Enabled != nil {
		next.Enabled = *p.Enabled
	}
	if p.Provider != nil {
		next.Provider = mail.Provider(strings.ToLower(strings.TrimSpace(*p.Provider)))
	}
	setString(&next.Host, p.Host)
	if p.Port != nil {
		next.Port = *p.Port
	}
	setString(&next.Username, p.Username)
	setSecret(&next.Password, p.Password)
	setSecret(&next.APIKey, p.APIKey)
	setString(&next.Region, p.Region)
	setString(&next.AccessKeyID, p.AccessKeyID)
	setSecret(&next.SecretAccessKey, p.SecretAccessKey)
	setString(&next.FromAddress, p.FromAddress)
	setString(&next.FromName, p.FromName)
	if p.UseSSL != nil {
		next.UseSSL = *p.UseSSL
	}
	if p.InsecureSkipVerify != nil {
		next.InsecureSkipVerify = *p.InsecureSkipVerify
	}
	return next
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

func setSecret(dst *string, v *string) {
	if v == nil {
		return
	}
	if *dst != "" && *v == Mask(*dst) {
		return
	}
	*dst = *v
}
