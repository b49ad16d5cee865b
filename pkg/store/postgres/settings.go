package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/webportal/mailqueue/pkg/mail"
	"github.com/webportal/mailqueue/pkg/settings"
)

// SettingsStore keeps the singleton settings row (id = 1).
type SettingsStore struct {
	db *pgxpool.Pool
}

var _ settings.Store = (*SettingsStore)(nil)

func NewSettingsStore(db *pgxpool.Pool) *SettingsStore {
	return &SettingsStore{db: db}
}

func (s *SettingsStore) Load(ctx context.Context) (mail.TransportSettings, error) {
	sql := `SELECT is_enabled, provider, host, port, username, password, api_key, region,
				access_key_id, secret_access_key, from_address, from_name, use_ssl,
				insecure_skip_verify, updated_at
			FROM mail_settings WHERE id = 1`

	var rec mail.TransportSettings
	var provider string
	err := s.db.QueryRow(ctx, sql).Scan(
		&rec.Enabled,
		&provider,
		&rec.Host,
		&rec.Port,
		&rec.Username,
		&rec.Password,
		&rec.APIKey,
		&rec.Region,
		&rec.AccessKeyID,
		&rec.SecretAccessKey,
		&rec.FromAddress,
		&rec.FromName,
		&rec.UseSSL,
		&rec.InsecureSkipVerify,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return mail.TransportSettings{}, settings.ErrNotFound
	}
	if err != nil {
		return mail.TransportSettings{}, fmt.Errorf("load mail settings: %w", err)
	}
	rec.Provider = mail.Provider(provider)
	return rec, nil
}

func (s *SettingsStore) Save(ctx context.Context, rec mail.TransportSettings) error {
	sql := `INSERT INTO mail_settings (
				id, is_enabled, provider, host, port, username, password, api_key, region,
				access_key_id, secret_access_key, from_address, from_name, use_ssl,
				insecure_skip_verify, updated_at)
			VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO UPDATE SET
				is_enabled = EXCLUDED.is_enabled,
				provider = EXCLUDED.provider,
				host = EXCLUDED.host,
				port = EXCLUDED.port,
				username = EXCLUDED.username,
				password = EXCLUDED.password,
				api_key = EXCLUDED.api_key,
				region = EXCLUDED.region,
				access_key_id = EXCLUDED.access_key_id,
				secret_access_key = EXCLUDED.secret_access_key,
				from_address = EXCLUDED.from_address,
				from_name = EXCLUDED.from_name,
				use_ssl = EXCLUDED.use_ssl,
				insecure_skip_verify = EXCLUDED.insecure_skip_verify,
				updated_at = EXCLUDED.updated_at`

	_, err := s.db.Exec(ctx, sql,
		rec.Enabled, string(rec.Provider), rec.Host, rec.Port, rec.Username, rec.Password,
		rec.APIKey, rec.Region, rec.AccessKeyID, rec.SecretAccessKey, rec.FromAddress,
		rec.FromName, rec.UseSSL, rec.InsecureSkipVerify, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save mail settings: %w", err)
	}
	return nil
}
