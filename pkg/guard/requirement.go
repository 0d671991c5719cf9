package guard

import (
	"github.com/helpme/helpme/pkg/auth"
	"github.com/helpme/helpme/pkg/roles"
)

// Requirement is the role metadata a route declares. An empty list means
// that level is not required.
type Requirement struct {
	OrgRoles    []auth.OrgRole    `yaml:"orgRoles" json:"orgRoles,omitempty"`
	CourseRoles []auth.CourseRole `yaml:"courseRoles" json:"courseRoles,omitempty"`
}

// Open returns a requirement satisfied by any authenticated user
func Open() Requirement {
	return Requirement{}
}

// Course returns a requirement on the course role only
func Course(allowed ...auth.CourseRole) Requirement {
	return Requirement{CourseRoles: allowed}
}

// Org returns a requirement on the organization role only
func Org(allowed ...auth.OrgRole) Requirement {
	return Requirement{OrgRoles: allowed}
}

// IsOpen reports whether neither level is required
func (req Requirement) IsOpen() bool {
	return len(req.OrgRoles) == 0 && len(req.CourseRoles) == 0
}

// Permits evaluates both levels. The none role never appears in a valid
// allow-list, so a missing membership never satisfies a non-empty one.
func (req Requirement) Permits(r roles.Roles) bool {
	return orgPermits(req.OrgRoles, r.OrgRole) && coursePermits(req.CourseRoles, r.CourseRole)
}

func orgPermits(allowed []auth.OrgRole, have auth.OrgRole) bool {
	if len(allowed) == 0 {
		return true
	}
	if have == auth.OrgRoleNone {
		return false
	}
	for _, role := range allowed {
		if role == have {
			return true
		}
	}
	return false
}

func coursePermits(allowed []auth.CourseRole, have auth.CourseRole) bool {
	if len(allowed) == 0 {
		return true
	}
	if have == auth.CourseRoleNone {
		return false
	}
	for _, role := range allowed {
		if role == have {
			return true
		}
	}
	return false
}

// validate rejects roles that can never be held
func (req Requirement) validate() bool {
	for _, role := range req.OrgRoles {
		if !role.Valid() {
			return false
		}
	}
	for _, role := range req.CourseRoles {
		if !role.Valid() {
			return false
		}
	}
	return true
}
