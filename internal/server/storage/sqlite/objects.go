package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/waterbug/repsync/internal/server/storage"
)

const objectColumns = `oid, id, cname, project_oid, creator_id, modifier_id,
	       mod_ns, frozen, frozen_by, library, deleted, attrs`

// SaveObject inserts or overwrites one row.
func (s *Storage) SaveObject(ctx context.Context, rec *storage.ObjectRecord) error {
	query := `
		INSERT INTO objects (
			oid, id, cname, project_oid, creator_id, modifier_id,
			mod_ns, frozen, frozen_by, library, deleted, attrs
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(oid) DO UPDATE SET
			id = excluded.id,
			cname = excluded.cname,
			project_oid = excluded.project_oid,
			creator_id = excluded.creator_id,
			modifier_id = excluded.modifier_id,
			mod_ns = excluded.mod_ns,
			frozen = excluded.frozen,
			frozen_by = excluded.frozen_by,
			library = excluded.library,
			deleted = excluded.deleted,
			attrs = excluded.attrs
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.OID,
		rec.ID,
		rec.CName,
		rec.ProjectOID,
		rec.CreatorID,
		rec.ModifierID,
		rec.ModTime.UnixNano(),
		boolToInt(rec.Frozen),
		rec.FrozenBy,
		boolToInt(rec.Library),
		boolToInt(rec.Deleted),
		[]byte(rec.Attrs),
	)
	if err != nil {
		return fmt.Errorf("failed to save object: %w", err)
	}
	return nil
}

// GetObject retrieves one row, tombstoned or live.
func (s *Storage) GetObject(ctx context.Context, oid string) (*storage.ObjectRecord, error) {
	query := `SELECT ` + objectColumns + ` FROM objects WHERE oid = ?`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, oid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	return rec, nil
}

// GetObjects retrieves live rows in the given order. OIDs without a
// live row are silently omitted.
func (s *Storage) GetObjects(ctx context.Context, oids []string) ([]*storage.ObjectRecord, error) {
	if len(oids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(oids)-1) + "?"
	query := `SELECT ` + objectColumns + ` FROM objects
		WHERE deleted = 0 AND oid IN (` + placeholders + `)`

	args := make([]any, len(oids))
	for i, oid := range oids {
		args[i] = oid
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query objects: %w", err)
	}
	defer rows.Close()

	byOID := make(map[string]*storage.ObjectRecord, len(oids))
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		byOID[rec.OID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate objects: %w", err)
	}

	recs := make([]*storage.ObjectRecord, 0, len(byOID))
	for _, oid := range oids {
		if rec, ok := byOID[oid]; ok {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

// GetByClass retrieves live rows of one class, ordered by id.
func (s *Storage) GetByClass(ctx context.Context, cname string) ([]*storage.ObjectRecord, error) {
	query := `SELECT ` + objectColumns + ` FROM objects
		WHERE deleted = 0 AND cname = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, cname)
	if err != nil {
		return nil, fmt.Errorf("failed to query class: %w", err)
	}
	defer rows.Close()

	var recs []*storage.ObjectRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate class: %w", err)
	}
	return recs, nil
}

// Stamps lists the revision stamps of every row in scope, tombstones
// included.
func (s *Storage) Stamps(ctx context.Context, scope storage.Scope) ([]storage.Stamp, error) {
	query := `SELECT oid, cname, mod_ns, frozen_by, deleted FROM objects`
	var args []any
	switch {
	case scope.ProjectOID != "":
		query += ` WHERE project_oid = ?`
		args = append(args, scope.ProjectOID)
	case scope.Library:
		query += ` WHERE library = 1`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stamps: %w", err)
	}
	defer rows.Close()

	var stamps []storage.Stamp
	for rows.Next() {
		var (
			st      storage.Stamp
			deleted int
		)
		if err := rows.Scan(&st.OID, &st.CName, &st.ModTime, &st.FrozenBy, &deleted); err != nil {
			return nil, fmt.Errorf("failed to scan stamp: %w", err)
		}
		st.Deleted = intToBool(deleted)
		stamps = append(stamps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stamps: %w", err)
	}
	return stamps, nil
}

// Tombstone marks the oid deleted, creating the row when the
// repository never saw the oid. The attribute payload is dropped.
func (s *Storage) Tombstone(ctx context.Context, oid, modifierID string, modNS int64) error {
	query := `
		INSERT INTO objects (oid, modifier_id, mod_ns, deleted, attrs)
		VALUES (?, ?, ?, 1, NULL)
		ON CONFLICT(oid) DO UPDATE SET
			modifier_id = excluded.modifier_id,
			mod_ns = excluded.mod_ns,
			frozen = 0,
			frozen_by = '',
			deleted = 1,
			attrs = NULL
	`

	if _, err := s.db.ExecContext(ctx, query, oid, modifierID, modNS); err != nil {
		return fmt.Errorf("failed to tombstone object: %w", err)
	}
	return nil
}

// SetFrozen flips the frozen flag on a live row.
func (s *Storage) SetFrozen(ctx context.Context, oid string, frozen bool, frozenBy, modifierID string, modNS int64) error {
	query := `
		UPDATE objects
		SET frozen = ?, frozen_by = ?, modifier_id = ?, mod_ns = ?
		WHERE oid = ? AND deleted = 0
	`

	res, err := s.db.ExecContext(ctx, query,
		boolToInt(frozen), frozenBy, modifierID, modNS, oid)
	if err != nil {
		return fmt.Errorf("failed to set frozen: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check frozen update: %w", err)
	}
	if affected == 0 {
		return storage.ErrObjectNotFound
	}
	return nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*storage.ObjectRecord, error) {
	var (
		rec     storage.ObjectRecord
		modNS   int64
		frozen  int
		library int
		deleted int
		attrs   []byte
	)
	err := row.Scan(
		&rec.OID,
		&rec.ID,
		&rec.CName,
		&rec.ProjectOID,
		&rec.CreatorID,
		&rec.ModifierID,
		&modNS,
		&frozen,
		&rec.FrozenBy,
		&library,
		&deleted,
		&attrs,
	)
	if err != nil {
		return nil, err
	}

	rec.ModTime = time.Unix(0, modNS).UTC()
	rec.Frozen = intToBool(frozen)
	rec.Library = intToBool(library)
	rec.Deleted = intToBool(deleted)
	rec.Attrs = attrs
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}
