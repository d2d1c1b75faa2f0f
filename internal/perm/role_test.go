package perm

import "testing"

func TestRoleOrdering(t *testing.T) {
	roles := []Role{RoleNone, RoleViewer, RoleEditor, RoleOwner}

	for _, actual := range roles {
		// Monotonicity: authorization at a higher level implies authorization
		// at every lower level.
		if actual.HasAtLeast(RoleOwner) && !actual.HasAtLeast(RoleEditor) {
			t.Fatalf("%s: owner access without editor access", actual)
		}
		if actual.HasAtLeast(RoleEditor) && !actual.HasAtLeast(RoleViewer) {
			t.Fatalf("%s: editor access without viewer access", actual)
		}
	}

	if RoleNone.HasAtLeast(RoleViewer) {
		t.Fatal("none must not satisfy viewer")
	}
	if !RoleOwner.HasAtLeast(RoleOwner) {
		t.Fatal("owner must satisfy owner")
	}
}

func TestParseRole(t *testing.T) {
	cases := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"viewer", RoleViewer, false},
		{"Editor", RoleEditor, false},
		{" OWNER ", RoleOwner, false},
		{"none", RoleNone, true},
		{"admin", RoleNone, true},
		{"", RoleNone, true},
	}

	for _, tc := range cases {
		got, err := ParseRole(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseRole(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseRole(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseRole(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestRoleString(t *testing.T) {
	if RoleOwner.String() != "owner" || RoleViewer.String() != "viewer" {
		t.Fatalf("unexpected role names: %s %s", RoleOwner, RoleViewer)
	}
}
