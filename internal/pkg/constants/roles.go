package constants

const (
	Admin    = "admin"
	Operator = "operator"
	Member   = "member"
)

// ValidRoles is the set of roles an upstream session may carry.
var ValidRoles = []string{Member, Operator, Admin}

// IsValidRole returns true if role is one of the allowed values.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}
