package rbac

type Role string
type Action string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionComment  Action = "comment"
	ActionPublish  Action = "publish"
	ActionModerate Action = "moderate"
	ActionConsult  Action = "consult"
)

// Principal identifies the authenticated caller for ownership checks.
type Principal struct {
	ID   string
	Role Role
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleUser:
		return action == ActionRead || action == ActionComment || action == ActionConsult
	default:
		return false
	}
}

// CanEdit allows only the owner to edit their own content. Admins moderate
// by deleting or changing status, never by rewriting someone's words.
func CanEdit(ownerID string, p Principal) bool {
	return p.ID == ownerID
}

// CanDelete allows the owner or an admin.
func CanDelete(ownerID string, p Principal) bool {
	return p.ID == ownerID || p.IsAdmin()
}

// CanMarkSolution allows the thread author or an admin.
func CanMarkSolution(threadAuthorID string, p Principal) bool {
	return p.ID == threadAuthorID || p.IsAdmin()
}

// CanAccessConsultation allows the asker and any admin.
func CanAccessConsultation(askerID string, p Principal) bool {
	return p.ID == askerID || p.IsAdmin()
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}
