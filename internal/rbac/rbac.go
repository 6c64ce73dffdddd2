package rbac

type Role string
type Action string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
)

const (
	ActionRead    Action = "read"
	ActionEdit    Action = "edit"
	ActionUpload  Action = "upload"
	ActionPublish Action = "publish"
)

// Can reports whether role may perform action. Only the operator writes;
// everyone else reads published pages.
func Can(role Role, action Action) bool {
	switch role {
	case RoleOperator:
		return true
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleOperator:
		return Role(role)
	default:
		return RoleViewer
	}
}
