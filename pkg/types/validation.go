package types

// IsValidRole checks the role against the fixed enumeration
func IsValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleSupervisor, RoleProctor, RoleTeacher, RoleStudent:
		return true
	default:
		return false
	}
}

// ParseRole converts a raw string into a Role, rejecting unknown values.
func ParseRole(raw string) (Role, error) {
	role := Role(raw)
	if !IsValidRole(role) {
		return "", ErrInvalidRole
	}
	return role, nil
}
