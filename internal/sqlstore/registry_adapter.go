package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/wirebus/wirebus/internal/ident"
)

// RegistryAdapter implements registry.Adapter against a single
// registry_values table, one row per identifier.
type RegistryAdapter struct {
	store *Store
}

func NewRegistryAdapter(s *Store) *RegistryAdapter {
	return &RegistryAdapter{store: s}
}

func (a *RegistryAdapter) Get(ctx context.Context, id ident.Id) ([]byte, bool, error) {
	var data []byte
	err := a.store.db.QueryRowContext(ctx, `SELECT data FROM registry_values WHERE id = ?`, id.Key()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (a *RegistryAdapter) Set(ctx context.Context, id ident.Id, data []byte) error {
	_, err := a.store.db.ExecContext(ctx,
		`INSERT INTO registry_values (id, data) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET data = excluded.data`,
		id.Key(), data)
	return err
}
