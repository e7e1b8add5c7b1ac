package settings

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of *pgxpool.Pool used by PGStore.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PGStore keeps settings in the dbipupdater.plugin_settings table.
type PGStore struct {
	q Querier
}

func NewPGStore(q Querier) *PGStore {
	return &PGStore{q: q}
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.q.Ping(ctx)
}

func (s *PGStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.q.QueryRow(ctx,
		`SELECT setting_value FROM dbipupdater.plugin_settings WHERE setting_name = $1`, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *PGStore) Set(ctx context.Context, key, value string) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO dbipupdater.plugin_settings (setting_name, setting_value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (setting_name) DO UPDATE SET
			setting_value = EXCLUDED.setting_value,
			updated_at = now()`,
		key, value,
	)
	return err
}
