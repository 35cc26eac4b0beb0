package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/wirebus/wirebus/internal/ident"
	"github.com/wirebus/wirebus/internal/table"
)

// TableAdapter implements table.Adapter against a single table_items
// table keyed by (table_id, key). SetAll/RemoveAll/Clear/Store all write
// through immediately — there is no separate buffered-flush tier — so
// Store is a no-op; the table extension's dirty-flag save loop still
// runs, it just has nothing left to do by the time it fires.
type TableAdapter struct {
	store *Store
}

func NewTableAdapter(s *Store) *TableAdapter {
	return &TableAdapter{store: s}
}

func (a *TableAdapter) Get(ctx context.Context, id ident.Id, key string) ([]byte, bool, error) {
	var data []byte
	err := a.store.db.QueryRowContext(ctx,
		`SELECT data FROM table_items WHERE table_id = ? AND key = ?`, id.Key(), key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (a *TableAdapter) GetAll(ctx context.Context, id ident.Id, keys []string) ([]table.Item, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, 0, len(keys)+1)
	args = append(args, id.Key())
	for _, k := range keys {
		args = append(args, k)
	}
	rows, err := a.store.db.QueryContext(ctx,
		`SELECT key, data FROM table_items WHERE table_id = ? AND key IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []table.Item
	for rows.Next() {
		var it table.Item
		if err := rows.Scan(&it.Key, &it.Data); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (a *TableAdapter) SetAll(ctx context.Context, id ident.Id, items []table.Item) error {
	tx, err := a.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, it := range items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO table_items (table_id, key, data) VALUES (?, ?, ?)
			 ON CONFLICT (table_id, key) DO UPDATE SET data = excluded.data`,
			id.Key(), it.Key, it.Data); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (a *TableAdapter) RemoveAll(ctx context.Context, id ident.Id, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, 0, len(keys)+1)
	args = append(args, id.Key())
	for _, k := range keys {
		args = append(args, k)
	}
	_, err := a.store.db.ExecContext(ctx,
		`DELETE FROM table_items WHERE table_id = ? AND key IN (`+placeholders+`)`, args...)
	return err
}

func (a *TableAdapter) Clear(ctx context.Context, id ident.Id) error {
	_, err := a.store.db.ExecContext(ctx, `DELETE FROM table_items WHERE table_id = ?`, id.Key())
	return err
}

func (a *TableAdapter) FetchItems(ctx context.Context, id ident.Id, before int, after, cursor string) ([]table.Item, error) {
	boundary := cursor
	if boundary == "" {
		boundary = after
	}
	limit := before
	if limit <= 0 {
		limit = -1 // sqlite: LIMIT -1 means unbounded
	}
	rows, err := a.store.db.QueryContext(ctx,
		`SELECT key, data FROM table_items WHERE table_id = ? AND key > ? ORDER BY key LIMIT ?`,
		id.Key(), boundary, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []table.Item
	for rows.Next() {
		var it table.Item
		if err := rows.Scan(&it.Key, &it.Data); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Store is a no-op: every mutation above already committed. The table
// extension still calls it on its 30s save-loop tick; there is simply
// nothing buffered left to flush by the time that fires.
func (a *TableAdapter) Store(ctx context.Context, id ident.Id) error { return nil }

func (a *TableAdapter) Count(ctx context.Context, id ident.Id) (int, error) {
	var n int
	err := a.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM table_items WHERE table_id = ?`, id.Key()).Scan(&n)
	return n, err
}
