package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrDuplicateGID is returned when a prepared transaction id is already in use.
var ErrDuplicateGID = errors.New("prepared transaction identifier already in use")

// PreparedXact is one durable prepared transaction.
type PreparedXact struct {
	GID        string
	Slot       int
	OwnerPID   int32
	PreparedBy string
	Seq        int64
}

// SavePreparedXact records a prepared transaction.
func (s *Store) SavePreparedXact(ctx context.Context, x PreparedXact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO qidtrack_prepared_xacts (gid, slot, owner_pid, prepared_by, seq)
		VALUES (?, ?, ?, ?, ?)
	`, x.GID, x.Slot, x.OwnerPID, x.PreparedBy, x.Seq)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("save prepared transaction %q: %w", x.GID, ErrDuplicateGID)
		}
		return fmt.Errorf("save prepared transaction %q: %w", x.GID, err)
	}
	return nil
}

// DeletePreparedXact removes a prepared transaction and reports whether it
// existed.
func (s *Store) DeletePreparedXact(ctx context.Context, gid string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM qidtrack_prepared_xacts WHERE gid = ?`, gid)
	if err != nil {
		return false, fmt.Errorf("delete prepared transaction %q: %w", gid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete prepared transaction %q: %w", gid, err)
	}
	return n > 0, nil
}

// UpdatePreparedSlot moves a recovered transaction to a different slot.
func (s *Store) UpdatePreparedSlot(ctx context.Context, gid string, slot int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE qidtrack_prepared_xacts SET slot = ? WHERE gid = ?`, slot, gid)
	if err != nil {
		return fmt.Errorf("update prepared transaction %q: %w", gid, err)
	}
	return nil
}

// ListPreparedXacts returns every prepared transaction.
// Results are ordered by seq ASC, gid COLLATE BINARY ASC.
func (s *Store) ListPreparedXacts(ctx context.Context) ([]PreparedXact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT gid, slot, owner_pid, prepared_by, seq
		FROM qidtrack_prepared_xacts
		ORDER BY seq ASC, gid COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list prepared transactions: %w", err)
	}
	defer rows.Close()

	var out []PreparedXact
	for rows.Next() {
		var x PreparedXact
		if err := rows.Scan(&x.GID, &x.Slot, &x.OwnerPID, &x.PreparedBy, &x.Seq); err != nil {
			return nil, fmt.Errorf("scan prepared transaction: %w", err)
		}
		out = append(out, x)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prepared transactions: %w", err)
	}
	return out, nil
}
