package types

// Role is the directory role of a user
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// IsValidRole reports whether role is one of the known roles
func IsValidRole(role Role) bool {
	switch role {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	default:
		return false
	}
}

// Capability is a single permission bit resolved at the API boundary
type Capability uint16

const (
	CapSubmitAttendance Capability = 1 << iota
	CapOpenSession
	CapEndSession
	CapOverrideAttendance
	CapViewAudit
	CapAdmin
)

// ARCHITECTURAL DISCOVERY: Role dispatch happens once, here. Core operations only
// ask "can this caller do X" and never branch on role names.
var roleCapabilities = map[Role]Capability{
	RoleStudent: CapSubmitAttendance,
	RoleTeacher: CapOpenSession | CapEndSession | CapOverrideAttendance | CapViewAudit,
	RoleAdmin:   CapOpenSession | CapEndSession | CapOverrideAttendance | CapViewAudit | CapAdmin,
}

// Caller is the resolved identity passed from the boundary into the core
type Caller struct {
	UserID string     `json:"user_id"`
	Role   Role       `json:"role"`
	Caps   Capability `json:"-"`
}

// NewCaller resolves the capability set for a role
func NewCaller(userID string, role Role) Caller {
	return Caller{
		UserID: userID,
		Role:   role,
		Caps:   roleCapabilities[role],
	}
}

// Can reports whether the caller holds every capability in c
func (c Caller) Can(capability Capability) bool {
	return capability != 0 && c.Caps&capability == capability
}

// CanManage reports whether the caller may act on a session as its owner
func (c Caller) CanManage(session *Session) bool {
	if c.Can(CapAdmin) {
		return true
	}
	return session != nil && session.OwnerID == c.UserID
}
