// Package guard decides whether an authenticated caller may use a route.
//
// Each route is registered under a gorilla/mux route name, and the Policy
// side table maps that name to a Requirement: an org-role allow-list and a
// course-role allow-list, either of which may be empty. The Middleware
// extracts the target organization and course from the path or query,
// resolves the caller's roles for that target and permits the request when
//
//	(OrgRoles empty OR orgRole in OrgRoles) AND (CourseRoles empty OR courseRole in CourseRoles)
//
// Routes without a policy entry are denied. Denials are answered with a
// generic 403 that does not name the role that would have been accepted.
//
// Requirements can be overridden at runtime from a YAML file:
//
//	routes:
//	  documents.processed:
//	    courseRoles: [professor]
//
// Policy.Watch reloads the file on change; a file that fails to parse
// leaves the previous overrides in place.
package guard
