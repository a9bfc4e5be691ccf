package models

import (
	"fmt"
	"strings"
)

// Role is a hierarchical authorization level. A higher role satisfies any lower
// requirement.
type Role uint8

const (
	RoleNone Role = iota
	RoleGuest
	RoleUser
	RoleAdmin
	RoleSuperAdmin
)

var roleNames = map[Role]string{
	RoleNone:       "none",
	RoleGuest:      "guest",
	RoleUser:       "user",
	RoleAdmin:      "admin",
	RoleSuperAdmin: "super_admin",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Satisfies reports whether r meets the required role. RoleNone as a requirement
// is met by anything, including RoleNone.
func (r Role) Satisfies(required Role) bool {
	return r >= required
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// ParseRole converts a role name to a Role. Matching is case-insensitive and
// accepts "base" as an alias for guest.
func ParseRole(s string) (Role, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "base":
		return RoleGuest, nil
	case "superadmin", "super-admin":
		return RoleSuperAdmin, nil
	}
	for role, n := range roleNames {
		if n == name {
			return role, nil
		}
	}
	return RoleNone, fmt.Errorf("unknown role %q", s)
}

// MarshalText encodes the role as its canonical lowercase name.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", uint8(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name.
func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}
