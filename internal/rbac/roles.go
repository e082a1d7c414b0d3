package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleSeeker     = "seeker"
	RoleConsultant = "consultant"
	RoleAdmin      = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

// IsValidRole reports whether role is one tokens may be issued for.
func IsValidRole(role string) bool {
	switch role {
	case RoleSeeker, RoleConsultant, RoleAdmin:
		return true
	default:
		return false
	}
}
