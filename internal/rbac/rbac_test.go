package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "mentor read", role: RoleMentor, action: ActionRead, allow: true},
		{name: "mentor write own", role: RoleMentor, action: ActionWriteOwn, allow: true},
		{name: "mentor write any", role: RoleMentor, action: ActionWriteAny, allow: false},
		{name: "researcher manage users", role: RoleResearcher, action: ActionManageUsers, allow: false},
		{name: "unassigned write own", role: RoleNone, action: ActionWriteOwn, allow: true},
		{name: "unassigned read", role: RoleNone, action: ActionRead, allow: false},
		{name: "admin manage users", role: RoleAdmin, action: ActionManageUsers, allow: true},
		{name: "unknown role", role: Role("guest"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]Role{
		"":           RoleNone,
		"research":   RoleResearcher,
		"researcher": RoleResearcher,
		"mentor":     RoleMentor,
		"admin":      RoleAdmin,
		"academia":   RoleNone,
		"Research":   RoleNone,
	}
	for raw, want := range cases {
		if got := Normalize(raw); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []string{"", "research", "researcher", "mentor", "admin", "academia", "  ", "RESEARCH"}
	for _, raw := range inputs {
		once := Normalize(raw)
		if twice := Normalize(string(once)); twice != once {
			t.Fatalf("Normalize(Normalize(%q)) = %q, want %q", raw, twice, once)
		}
	}
}

func TestTable(t *testing.T) {
	if table, ok := Table(RoleResearcher); !ok || table != "researcher" {
		t.Fatalf("Table(researcher) = %q, %v", table, ok)
	}
	if _, ok := Table(RoleNone); ok {
		t.Fatal("expected no table for unassigned role")
	}
	if !IsRoleTable("mentor") || IsRoleTable("profiles") {
		t.Fatal("unexpected IsRoleTable result")
	}
}
