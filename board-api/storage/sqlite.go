package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"

	"prism-board/board-api/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id        TEXT PRIMARY KEY,
	board_id  TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	kind      TEXT NOT NULL,
	position  REAL NOT NULL,
	version   INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_items_parent ON items (board_id, parent_id, position);
CREATE TABLE IF NOT EXISTS members (
	board_id TEXT NOT NULL,
	user_id  TEXT NOT NULL,
	role     TEXT NOT NULL DEFAULT 'member',
	PRIMARY KEY (board_id, user_id)
);
`

// SQLStore persists boards in a single SQLite file. Write transactions begin IMMEDIATE,
// which takes the database write lock up front; SQLite has no finer grained lock, so the
// per-parent lock order collapses to one lock.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", path))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// mapSQLiteErr turns lock contention into a retryable concurrency conflict.
func mapSQLiteErr(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return domain.ErrConcurrencyConflict
	}
	return err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const itemColumns = `id, board_id, parent_id, kind, position, version`

func scanItem(sc interface{ Scan(...any) error }) (domain.OrderedItem, error) {
	var it domain.OrderedItem
	var kind string
	var pos float64
	err := sc.Scan(&it.ID, &it.BoardID, &it.ParentID, &kind, &pos, &it.Version)
	it.Kind = domain.Kind(kind)
	it.Position = domain.OrderKey(pos)
	return it, err
}

func getItem(ctx context.Context, q querier, boardID, itemID string) (*domain.OrderedItem, error) {
	row := q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ? AND board_id = ?`, itemID, boardID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	return &it, nil
}

func queryItems(ctx context.Context, q querier, query string, args ...any) ([]domain.OrderedItem, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()
	out := []domain.OrderedItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func listSiblings(ctx context.Context, q querier, boardID, parentID string) ([]domain.OrderedItem, error) {
	return queryItems(ctx, q, `SELECT `+itemColumns+` FROM items WHERE board_id = ? AND parent_id = ? ORDER BY position, id`, boardID, parentID)
}

func (s *SQLStore) GetItem(ctx context.Context, boardID, itemID string) (*domain.OrderedItem, error) {
	return getItem(ctx, s.db, boardID, itemID)
}

func (s *SQLStore) ListSiblings(ctx context.Context, boardID, parentID string) ([]domain.OrderedItem, error) {
	return listSiblings(ctx, s.db, boardID, parentID)
}

func (s *SQLStore) ListBoard(ctx context.Context, boardID string) ([]domain.OrderedItem, error) {
	return queryItems(ctx, s.db, `SELECT `+itemColumns+` FROM items WHERE board_id = ? ORDER BY position, id`, boardID)
}

func (s *SQLStore) IsBoardMember(ctx context.Context, actorID, boardID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM members WHERE board_id = ? AND user_id = ?`, boardID, actorID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) AddMember(ctx context.Context, boardID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO members (board_id, user_id, role) VALUES (?, ?, ?)`, boardID, userID, role)
	return err
}

func (s *SQLStore) InTx(ctx context.Context, boardID string, parentIDs []string, fn func(domain.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteErr(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if err = fn(&sqlTx{tx: tx, boardID: boardID}); err != nil {
		return err
	}
	return mapSQLiteErr(tx.Commit())
}

type sqlTx struct {
	tx      *sql.Tx
	boardID string
}

func (t *sqlTx) GetItem(ctx context.Context, itemID string) (*domain.OrderedItem, error) {
	return getItem(ctx, t.tx, t.boardID, itemID)
}

func (t *sqlTx) ListSiblings(ctx context.Context, parentID string) ([]domain.OrderedItem, error) {
	return listSiblings(ctx, t.tx, t.boardID, parentID)
}

func (t *sqlTx) UpdatePosition(ctx context.Context, itemID, parentID string, position domain.OrderKey, expectedVersion int64) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE items SET parent_id = ?, position = ?, version = version + 1 WHERE id = ? AND board_id = ? AND version = ?`,
		parentID, float64(position), itemID, t.boardID, expectedVersion)
	if err != nil {
		return 0, mapSQLiteErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		cur, err := t.GetItem(ctx, itemID)
		if err != nil {
			return 0, err
		}
		if cur == nil {
			return 0, domain.ErrNotFound
		}
		return 0, domain.ErrConcurrencyConflict
	}
	return expectedVersion + 1, nil
}

func (t *sqlTx) RenumberSiblings(ctx context.Context, parentID string) ([]domain.OrderedItem, error) {
	siblings, err := t.ListSiblings(ctx, parentID)
	if err != nil {
		return nil, err
	}
	keys := domain.Renumber(len(siblings))
	for i := range siblings {
		if _, err := t.tx.ExecContext(ctx, `UPDATE items SET position = ?, version = version + 1 WHERE id = ?`, float64(keys[i]), siblings[i].ID); err != nil {
			return nil, mapSQLiteErr(err)
		}
		siblings[i].Position = keys[i]
		siblings[i].Version++
	}
	return siblings, nil
}

func (t *sqlTx) InsertItem(ctx context.Context, item domain.OrderedItem) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, t.boardID, item.ParentID, string(item.Kind), float64(item.Position), item.Version)
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return domain.ErrConcurrencyConflict
	}
	return mapSQLiteErr(err)
}
