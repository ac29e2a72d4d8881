package constants

const (
	CreateProject = "create_project"
	CancelProject = "cancel_project"
	RunReconcile  = "run_reconcile"
	AccrueYield   = "accrue_yield"
)

// PermissionRoles maps each permission to roles allowed to perform it.
var PermissionRoles = map[string][]string{
	CreateProject: {Member, Operator, Admin},
	CancelProject: {Member, Operator, Admin},
	RunReconcile:  {Operator, Admin},
	AccrueYield:   {Admin},
}

// AllowedRole returns true if role is in the list of allowed roles for the permission.
func AllowedRole(permission, role string) bool {
	roles, ok := PermissionRoles[permission]
	if !ok {
		return false
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
