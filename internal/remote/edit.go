package remote

import (
	"context"
	"fmt"

	"veritas/api/internal/profile"
	"veritas/api/internal/profilesync"
	"veritas/api/internal/rbac"
)

// Editor runs the profile edit flows. Every successful write is followed by an
// invalidation so the synchronizer reloads the authoritative profile.
type Editor struct {
	client *Client
	inv    profilesync.Invalidator
}

func NewEditor(client *Client, inv profilesync.Invalidator) *Editor {
	return &Editor{client: client, inv: inv}
}

func (e *Editor) userID() (string, error) {
	id := e.client.UserID()
	if id == "" {
		return "", ErrNotSignedIn
	}
	return id, nil
}

// SaveRoleProfile upserts the role-specific fields. Nil values and the id are dropped;
// nothing is written when no field remains.
func (e *Editor) SaveRoleProfile(ctx context.Context, role rbac.Role, fields map[string]any) error {
	id, err := e.userID()
	if err != nil {
		return err
	}
	table, ok := rbac.Table(role)
	if !ok {
		return fmt.Errorf("save role profile: no table for role %q", role)
	}
	filtered := make(map[string]any, len(fields))
	for key, value := range fields {
		if value == nil || key == "id" {
			continue
		}
		filtered[key] = value
	}
	if len(filtered) == 0 {
		return nil
	}
	if _, err := e.client.PutRow(ctx, table, id, filtered); err != nil {
		return fmt.Errorf("save role profile: %w", err)
	}
	e.inv.Invalidate()
	return nil
}

// BaseUpdate holds optional profiles columns; empty fields are left untouched.
type BaseUpdate struct {
	Name  string
	Email string
	Role  rbac.Role
	Pfp   string
	Mode  profile.Mode
}

func (u BaseUpdate) fields() map[string]any {
	out := map[string]any{}
	if u.Name != "" {
		out["name"] = u.Name
	}
	if u.Email != "" {
		out["email"] = u.Email
	}
	if u.Role != rbac.RoleNone {
		out["role"] = string(u.Role)
	}
	if u.Pfp != "" {
		out["pfp"] = u.Pfp
	}
	if u.Mode != "" {
		out["mode"] = string(u.Mode)
	}
	return out
}

func (e *Editor) UpdateBaseProfile(ctx context.Context, update BaseUpdate) error {
	id, err := e.userID()
	if err != nil {
		return err
	}
	fields := update.fields()
	if len(fields) == 0 {
		return nil
	}
	if _, err := e.client.PutRow(ctx, "profiles", id, fields); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	e.inv.Invalidate()
	return nil
}

func (e *Editor) UpdateMode(ctx context.Context, mode profile.Mode) error {
	id, err := e.userID()
	if err != nil {
		return err
	}
	if _, err := e.client.PutRow(ctx, "profiles", id, map[string]any{"mode": string(mode)}); err != nil {
		return fmt.Errorf("update mode: %w", err)
	}
	e.inv.Invalidate()
	return nil
}

// UploadAvatar stores image as the profile picture and reloads the profile.
func (e *Editor) UploadAvatar(ctx context.Context, contentType string, image []byte) (string, error) {
	id, err := e.userID()
	if err != nil {
		return "", err
	}
	pfp, err := e.client.UploadAvatar(ctx, id, contentType, image)
	if err != nil {
		return "", fmt.Errorf("upload avatar: %w", err)
	}
	e.inv.Invalidate()
	return pfp, nil
}

// ChangeRole assigns a new role, re-saves the current mode, reloads and signs out so the
// next session carries the new role.
func (e *Editor) ChangeRole(ctx context.Context, role rbac.Role, mode profile.Mode) error {
	id, err := e.userID()
	if err != nil {
		return err
	}
	if !rbac.Known(role) {
		return fmt.Errorf("change role: unknown role %q", role)
	}
	if _, err := e.client.PutRow(ctx, "profiles", id, map[string]any{"role": string(role)}); err != nil {
		return fmt.Errorf("change role: %w", err)
	}
	if mode != "" {
		if _, err := e.client.PutRow(ctx, "profiles", id, map[string]any{"mode": string(mode)}); err != nil {
			return fmt.Errorf("change role: save mode: %w", err)
		}
	}
	e.inv.Invalidate()
	return e.client.SignOut(ctx)
}
