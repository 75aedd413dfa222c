package rbac

type Role string
type Action string

// RoleNone is the unassigned role; it encodes null on the wire.
const (
	RoleNone       Role = ""
	RoleMentor     Role = "mentor"
	RoleResearcher Role = "researcher"
	RoleAdmin      Role = "admin"
)

// legacyResearch is the role tag stored by older accounts.
const legacyResearch = "research"

const (
	ActionRead        Action = "read"
	ActionWriteOwn    Action = "write_own"
	ActionWriteAny    Action = "write_any"
	ActionManageUsers Action = "manage_users"
)

var roleTables = map[Role]string{
	RoleMentor:     "mentor",
	RoleResearcher: "researcher",
	RoleAdmin:      "admin",
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMentor, RoleResearcher:
		return action == ActionRead || action == ActionWriteOwn
	case RoleNone:
		return action == ActionWriteOwn
	default:
		return false
	}
}

// Normalize maps the legacy alias to its canonical role. Canonical roles and the empty
// role pass through; anything else becomes RoleNone.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleMentor, RoleResearcher, RoleAdmin, RoleNone:
		return Role(role)
	case legacyResearch:
		return RoleResearcher
	default:
		return RoleNone
	}
}

// Known reports whether role has a role-specific table.
func Known(role Role) bool {
	_, ok := roleTables[role]
	return ok
}

// Table returns the role-specific table for role.
func Table(role Role) (string, bool) {
	table, ok := roleTables[role]
	return table, ok
}

// IsRoleTable reports whether name is one of the role-specific tables.
func IsRoleTable(name string) bool {
	for _, table := range roleTables {
		if table == name {
			return true
		}
	}
	return false
}

// Label is the display label for role.
func Label(role Role) string {
	switch role {
	case RoleMentor:
		return "Mentor"
	case RoleResearcher:
		return "Researcher"
	case RoleAdmin:
		return "Admin"
	default:
		return "USER"
	}
}
