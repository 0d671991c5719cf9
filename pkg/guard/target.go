package guard

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/helpme/helpme/pkg/roles"
)

var (
	orgKeys    = []string{"oid", "organizationId"}
	courseKeys = []string{"cid", "courseId"}
)

// ExtractTarget reads the organization and course ids from path variables,
// falling back to the query string. It never fails: ok is false when a
// present id is not a positive integer or two sources disagree, and callers
// must then deny any route that has a requirement.
func ExtractTarget(vars map[string]string, query url.Values) (target roles.Target, ok bool) {
	orgID, orgOK := lookupID(orgKeys, vars, query)
	courseID, courseOK := lookupID(courseKeys, vars, query)
	return roles.Target{OrganizationID: orgID, CourseID: courseID}, orgOK && courseOK
}

// TargetFromRequest applies ExtractTarget to a routed request
func TargetFromRequest(r *http.Request) (roles.Target, bool) {
	return ExtractTarget(mux.Vars(r), r.URL.Query())
}

func lookupID(keys []string, vars map[string]string, query url.Values) (int64, bool) {
	var (
		id    int64
		found bool
	)

	take := func(raw string) bool {
		v, ok := parseID(raw)
		if !ok {
			return false
		}
		if found && v != id {
			return false
		}
		id, found = v, true
		return true
	}

	for _, key := range keys {
		if raw, present := vars[key]; present {
			if !take(raw) {
				return 0, false
			}
		}
	}
	if found {
		return id, true
	}

	for _, key := range keys {
		if _, present := query[key]; present {
			if !take(query.Get(key)) {
				return 0, false
			}
		}
	}
	return id, true
}

func parseID(raw string) (int64, bool) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
