// Package profile defines the merged profile of a signed-in user.
package profile

import (
	"encoding/json"
	"fmt"
	"strings"

	"veritas/api/internal/rbac"
)

type Mode string

const (
	ModeLight Mode = "light"
	ModeDark  Mode = "dark"
)

const (
	DefaultName  = "User"
	DefaultEmail = "user@example.com"
)

// Profile is a base profile row merged with the role-specific row.
type Profile struct {
	ID    string
	Name  string
	Email string
	Role  rbac.Role
	Mode  Mode
	Pfp   string
	Extra map[string]any
}

// baseKeys are the columns of the profiles table.
var baseKeys = map[string]struct{}{
	"id":    {},
	"name":  {},
	"email": {},
	"role":  {},
	"mode":  {},
	"pfp":   {},
}

// Default is the placeholder installed when the profile row cannot be fetched.
func Default(userID string) Profile {
	return Profile{
		ID:    userID,
		Name:  DefaultName,
		Email: DefaultEmail,
		Role:  rbac.RoleNone,
		Mode:  ModeDark,
	}
}

// Normalized returns p with its role mapped through rbac.Normalize.
func (p Profile) Normalized() Profile {
	p.Role = rbac.Normalize(string(p.Role))
	return p
}

// Clone returns a copy that shares no maps with p.
func (p Profile) Clone() Profile {
	if p.Extra != nil {
		extra := make(map[string]any, len(p.Extra))
		for k, v := range p.Extra {
			extra[k] = v
		}
		p.Extra = extra
	}
	return p
}

// Merge overlays role-specific fields onto base. Role data wins on key collisions except
// for id and role.
func Merge(base Profile, roleData map[string]any) Profile {
	merged := base.Clone()
	for key, value := range roleData {
		switch key {
		case "id", "role":
			continue
		case "name":
			if s, ok := value.(string); ok {
				merged.Name = s
			}
		case "email":
			if s, ok := value.(string); ok {
				merged.Email = s
			}
		case "pfp":
			if s, ok := value.(string); ok {
				merged.Pfp = s
			}
		case "mode":
			if s, ok := value.(string); ok && validMode(s) {
				merged.Mode = Mode(s)
			}
		default:
			if merged.Extra == nil {
				merged.Extra = make(map[string]any)
			}
			merged.Extra[key] = value
		}
	}
	return merged
}

// MarshalJSON emits a flat object with role-specific fields next to the base fields.
func (p Profile) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+6)
	for k, v := range p.Extra {
		if _, reserved := baseKeys[k]; reserved {
			continue
		}
		out[k] = v
	}
	out["id"] = p.ID
	out["name"] = p.Name
	out["email"] = p.Email
	if p.Role == rbac.RoleNone {
		out["role"] = nil
	} else {
		out["role"] = string(p.Role)
	}
	if p.Mode != "" {
		out["mode"] = string(p.Mode)
	}
	if p.Pfp != "" {
		out["pfp"] = p.Pfp
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the flat form written by MarshalJSON. The role is kept raw;
// callers normalize it on adoption.
func (p *Profile) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("profile: null object")
	}

	var out Profile
	for key, value := range raw {
		switch key {
		case "id":
			out.ID = stringValue(value)
		case "name":
			out.Name = stringValue(value)
		case "email":
			out.Email = stringValue(value)
		case "role":
			out.Role = rbac.Role(stringValue(value))
		case "mode":
			out.Mode = Mode(stringValue(value))
		case "pfp":
			out.Pfp = stringValue(value)
		default:
			if out.Extra == nil {
				out.Extra = make(map[string]any)
			}
			out.Extra[key] = value
		}
	}
	*p = out
	return nil
}

// SanitizeRolePayload prepares role-specific fields for an upsert: nil values and the
// base identity keys are dropped.
func SanitizeRolePayload(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		if value == nil {
			continue
		}
		switch key {
		case "id", "name", "email", "role":
			continue
		}
		out[key] = value
	}
	return out
}

// SanitizeBaseUpdate keeps only the writable profiles columns. Empty values are dropped,
// the role is normalized and must be assignable, and the mode must be light or dark.
func SanitizeBaseUpdate(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any)
	for key, value := range fields {
		if value == nil {
			continue
		}
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be a string", key)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		switch key {
		case "name", "email", "pfp":
			out[key] = s
		case "role":
			role := rbac.Normalize(s)
			if !rbac.Known(role) {
				return nil, fmt.Errorf("unknown role %q", s)
			}
			out[key] = string(role)
		case "mode":
			if !validMode(s) {
				return nil, fmt.Errorf("mode must be light or dark")
			}
			out[key] = s
		}
	}
	return out, nil
}

func validMode(s string) bool {
	return s == string(ModeLight) || s == string(ModeDark)
}

func stringValue(value any) string {
	s, _ := value.(string)
	return s
}
