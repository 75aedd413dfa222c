package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"veritas/api/internal/rbac"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_by, created_at
		FROM users WHERE LOWER(email) = LOWER($1)
	`, strings.TrimSpace(email)))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_by, created_at
		FROM users WHERE id = $1
	`, userID))
}

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	var createdBy sql.NullString
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &createdBy, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("read user: %w", err)
	}
	if createdBy.Valid {
		user.CreatedBy = &createdBy.String
	}
	return user, nil
}

// CreateUser writes the user, its profile row, its settings row and, for a known role,
// an empty role row in one transaction.
func (s *PostgresStore) CreateUser(ctx context.Context, in NewUser) (User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin create user: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var user User
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_by)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		RETURNING id, email, password_hash, created_at
	`, in.ID, strings.TrimSpace(in.Email), in.PasswordHash, in.CreatedBy).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	if in.CreatedBy != "" {
		createdBy := in.CreatedBy
		user.CreatedBy = &createdBy
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO profiles (id, name, email, role)
		VALUES ($1, $2, $3, NULLIF($4, ''))
	`, in.ID, in.Name, user.Email, in.Role); err != nil {
		return User{}, fmt.Errorf("insert profile: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO settings (id) VALUES ($1)`, in.ID); err != nil {
		return User{}, fmt.Errorf("insert settings: %w", err)
	}

	if table, ok := rbac.Table(rbac.Normalize(in.Role)); ok {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id) VALUES ($1)`, table), in.ID); err != nil {
			return User{}, fmt.Errorf("insert %s row: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit create user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (ProfileRow, error) {
	var p ProfileRow
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, coalesce(role, ''), pfp, mode, updated_at
		FROM profiles WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Email, &p.Role, &p.Pfp, &p.Mode, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ProfileRow{}, ErrNotFound
	}
	if err != nil {
		return ProfileRow{}, fmt.Errorf("read profile: %w", err)
	}
	return p, nil
}

var profileColumns = map[string]bool{
	"name":  true,
	"email": true,
	"role":  true,
	"pfp":   true,
	"mode":  true,
}

// UpdateProfile sets the given profiles columns. Unknown keys are rejected; an empty
// field set only touches updated_at.
func (s *PostgresStore) UpdateProfile(ctx context.Context, id string, fields map[string]any) (ProfileRow, error) {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		if !profileColumns[key] {
			return ProfileRow{}, fmt.Errorf("update profile: unknown column %q", key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	for _, key := range keys {
		args = append(args, fields[key])
		if key == "role" {
			sets = append(sets, fmt.Sprintf("role = NULLIF($%d, '')", len(args)))
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", key, len(args)))
	}

	var p ProfileRow
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE profiles SET %s WHERE id = $1
		RETURNING id, name, email, coalesce(role, ''), pfp, mode, updated_at
	`, strings.Join(sets, ", ")), args...).Scan(&p.ID, &p.Name, &p.Email, &p.Role, &p.Pfp, &p.Mode, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ProfileRow{}, ErrNotFound
	}
	if err != nil {
		return ProfileRow{}, fmt.Errorf("update profile: %w", err)
	}
	return p, nil
}

// GetRoleRow returns the role-specific fields of id, with the id itself included.
func (s *PostgresStore) GetRoleRow(ctx context.Context, table, id string) (map[string]any, error) {
	if !rbac.IsRoleTable(table) {
		return nil, fmt.Errorf("read role row: unknown table %q", table)
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE id = $1`, table), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s row: %w", table, err)
	}
	return decodeRoleData(raw, id)
}

// UpsertRoleRow merges fields into the role row, creating it when missing.
func (s *PostgresStore) UpsertRoleRow(ctx context.Context, table, id string, fields map[string]any) (map[string]any, error) {
	if !rbac.IsRoleTable(table) {
		return nil, fmt.Errorf("upsert role row: unknown table %q", table)
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s row: %w", table, err)
	}

	var raw []byte
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (id, data, updated_at)
		VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (id) DO UPDATE SET data = %[1]s.data || EXCLUDED.data, updated_at = NOW()
		RETURNING data
	`, table), id, string(payload)).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("upsert %s row: %w", table, err)
	}
	return decodeRoleData(raw, id)
}

func decodeRoleData(raw []byte, id string) (map[string]any, error) {
	data := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("decode role data: %w", err)
		}
	}
	data["id"] = id
	return data, nil
}

// GetOverlay reports the overlay permission flag; a missing settings row reads as false.
func (s *PostgresStore) GetOverlay(ctx context.Context, id string) (bool, error) {
	var overlay bool
	err := s.db.QueryRowContext(ctx, `SELECT overlay FROM settings WHERE id = $1`, id).Scan(&overlay)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read overlay: %w", err)
	}
	return overlay, nil
}

func (s *PostgresStore) SetOverlay(ctx context.Context, id string, overlay bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (id, overlay) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET overlay = EXCLUDED.overlay
	`, id, overlay)
	if err != nil {
		return fmt.Errorf("write overlay: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// LookupRefreshSession returns the user id of a live refresh session.
func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup refresh session: %w", err)
	}
	return userID, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}
