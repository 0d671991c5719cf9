package auth

import "time"

// User is an authenticated HelpMe account
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Organization groups courses under one institution
type Organization struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Course is a single offering with its own roster
type Course struct {
	ID             int64  `json:"id"`
	OrganizationID *int64 `json:"organizationId,omitempty"`
	Name           string `json:"name"`
}

// OrgRole is a user's permission level within their organization
type OrgRole string

const (
	OrgRoleNone   OrgRole = ""
	OrgRoleMember OrgRole = "member"
	OrgRoleAdmin  OrgRole = "admin"
)

// Valid reports whether r is an assignable organization role
func (r OrgRole) Valid() bool {
	return r == OrgRoleMember || r == OrgRoleAdmin
}

// CourseRole is a user's permission level within one course
type CourseRole string

const (
	CourseRoleNone      CourseRole = ""
	CourseRoleStudent   CourseRole = "student"
	CourseRoleTA        CourseRole = "ta"
	CourseRoleProfessor CourseRole = "professor"
)

// Valid reports whether r is an assignable course role
func (r CourseRole) Valid() bool {
	switch r {
	case CourseRoleStudent, CourseRoleTA, CourseRoleProfessor:
		return true
	}
	return false
}

// IsStaff reports whether r is a TA or professor
func (r CourseRole) IsStaff() bool {
	return r == CourseRoleTA || r == CourseRoleProfessor
}

// APIToken is a bearer credential bound to one user
type APIToken struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"userId"`
	TokenHash   string     `json:"-"` // Never expose hash
	Name        string     `json:"name"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
}

// AuthContext holds the identity injected by the authentication middleware
type AuthContext struct {
	User  *User
	Token *APIToken
}

// UserID returns the caller id, or 0 when unauthenticated
func (ac *AuthContext) UserID() int64 {
	if ac == nil || ac.User == nil {
		return 0
	}
	return ac.User.ID
}
