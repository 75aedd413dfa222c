package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("VERITAS_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("VERITAS_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	require.NoError(t, err)

	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	require.NoError(t, ApplyMigrations(dsn, migrationsDir, nil))
	return NewPostgresStore(db)
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	s := openTestStore(t)
	dsn := os.Getenv("VERITAS_TEST_DATABASE_URL")
	migrationsDir := filepath.Join("..", "..", "db", "migrations")

	require.NoError(t, RollbackMigrations(dsn, migrationsDir))
	require.NoError(t, ApplyMigrations(dsn, migrationsDir, nil))
	require.NoError(t, s.Ping(context.Background()))
}

func TestCreateUserWritesProfileAndRoleRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	user, err := s.CreateUser(ctx, NewUser{
		ID:           id,
		Email:        "ada@example.com",
		PasswordHash: "hash",
		Name:         "Ada",
		Role:         "mentor",
	})
	require.NoError(t, err)
	assert.Equal(t, id, user.ID)

	byEmail, err := s.GetUserByEmail(ctx, "ADA@example.com")
	require.NoError(t, err)
	assert.Equal(t, id, byEmail.ID)

	p, err := s.GetProfile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Ada", p.Name)
	assert.Equal(t, "mentor", p.Role)
	assert.Equal(t, "light", p.Mode)

	row, err := s.GetRoleRow(ctx, "mentor", id)
	require.NoError(t, err)
	assert.Equal(t, id, row["id"])

	_, err = s.GetRoleRow(ctx, "researcher", id)
	assert.ErrorIs(t, err, ErrNotFound)

	overlay, err := s.GetOverlay(ctx, id)
	require.NoError(t, err)
	assert.False(t, overlay)
}

func TestUpdateProfileAndRoleRowMerge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	_, err := s.CreateUser(ctx, NewUser{ID: id, Email: "grace@example.com", PasswordHash: "hash", Name: "Grace"})
	require.NoError(t, err)

	p, err := s.UpdateProfile(ctx, id, map[string]any{"mode": "dark", "role": "researcher"})
	require.NoError(t, err)
	assert.Equal(t, "dark", p.Mode)
	assert.Equal(t, "researcher", p.Role)

	_, err = s.UpdateProfile(ctx, id, map[string]any{"password_hash": "x"})
	assert.Error(t, err)

	_, err = s.UpsertRoleRow(ctx, "researcher", id, map[string]any{"field": "optics"})
	require.NoError(t, err)
	row, err := s.UpsertRoleRow(ctx, "researcher", id, map[string]any{"lab": "B12"})
	require.NoError(t, err)
	assert.Equal(t, "optics", row["field"])
	assert.Equal(t, "B12", row["lab"])

	_, err = s.UpsertRoleRow(ctx, "users", id, map[string]any{"x": 1})
	assert.Error(t, err)

	_, err = s.UpdateProfile(ctx, uuid.NewString(), map[string]any{"name": "Nobody"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOverlayAndSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	_, err := s.CreateUser(ctx, NewUser{ID: id, Email: "lin@example.com", PasswordHash: "hash"})
	require.NoError(t, err)

	require.NoError(t, s.SetOverlay(ctx, id, true))
	overlay, err := s.GetOverlay(ctx, id)
	require.NoError(t, err)
	assert.True(t, overlay)

	require.NoError(t, s.SaveRefreshSession(ctx, "h1", id, time.Now().Add(time.Hour)))
	userID, err := s.LookupRefreshSession(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, id, userID)

	require.NoError(t, s.RevokeRefreshSession(ctx, "h1"))
	_, err = s.LookupRefreshSession(ctx, "h1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RevokeAccessToken(ctx, "jti-1", time.Now().Add(time.Hour)))
	revoked, err := s.IsAccessTokenRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}
