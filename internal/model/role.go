package model

// Role is the access level carried in JWT claims.
type Role string

const (
	RoleUser  Role = "user"  // a human owner of canvases
	RoleAgent Role = "agent" // the coaching agent's service account
	RoleAdmin Role = "admin" // operators
)

// RoleRank returns a numeric rank for role comparison.
// Unknown roles rank below user.
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleAgent:
		return 2
	case RoleUser:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast reports whether role meets or exceeds minRole.
func RoleAtLeast(role, minRole Role) bool {
	return RoleRank(role) >= RoleRank(minRole)
}
