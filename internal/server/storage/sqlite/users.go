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

// CreateUser enrolls a new identity.
func (s *Storage) CreateUser(ctx context.Context, user *storage.User) error {
	query := `
		INSERT INTO users (oid, user_id, public_key, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		user.OID,
		user.UserID,
		user.PublicKey,
		boolToInt(user.Admin),
		user.CreatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser retrieves an identity by user id.
func (s *Storage) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	query := `
		SELECT oid, user_id, public_key, is_admin, created_at
		FROM users
		WHERE user_id = ?
	`

	var (
		user      storage.User
		admin     int
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.OID,
		&user.UserID,
		&user.PublicKey,
		&admin,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.Admin = intToBool(admin)
	user.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &user, nil
}

// SaveAssignment grants a role, idempotently.
func (s *Storage) SaveAssignment(ctx context.Context, a storage.Assignment) error {
	query := `
		INSERT INTO role_assignments (user_oid, org_oid, role)
		VALUES (?, ?, ?)
		ON CONFLICT(user_oid, org_oid, role) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, query, a.UserOID, a.OrgOID, a.Role); err != nil {
		return fmt.Errorf("failed to save assignment: %w", err)
	}
	return nil
}

// Assignments lists every role granted to the user.
func (s *Storage) Assignments(ctx context.Context, userOID string) ([]storage.Assignment, error) {
	query := `
		SELECT user_oid, org_oid, role
		FROM role_assignments
		WHERE user_oid = ?
		ORDER BY org_oid, role
	`

	rows, err := s.db.QueryContext(ctx, query, userOID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	var assignments []storage.Assignment
	for rows.Next() {
		var a storage.Assignment
		if err := rows.Scan(&a.UserOID, &a.OrgOID, &a.Role); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate assignments: %w", err)
	}
	return assignments, nil
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
// modernc.org/sqlite wraps sqlite error strings rather than exporting
// typed errors for constraint classes.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
