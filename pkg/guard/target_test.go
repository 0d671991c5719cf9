package guard

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/helpme/helpme/pkg/roles"
)

func TestExtractTarget(t *testing.T) {
	tests := []struct {
		name   string
		vars   map[string]string
		query  string
		want   roles.Target
		wantOK bool
	}{
		{"nothing", nil, "", roles.Target{}, true},
		{"course path var", map[string]string{"cid": "12"}, "", roles.Target{CourseID: 12}, true},
		{"long course name", map[string]string{"courseId": "12"}, "", roles.Target{CourseID: 12}, true},
		{"org path var", map[string]string{"oid": "3"}, "", roles.Target{OrganizationID: 3}, true},
		{"both from query", nil, "organizationId=3&courseId=9", roles.Target{OrganizationID: 3, CourseID: 9}, true},
		{"path wins over query", map[string]string{"cid": "4"}, "courseId=5", roles.Target{CourseID: 4}, true},
		{"agreeing aliases", map[string]string{"cid": "4", "courseId": "4"}, "", roles.Target{CourseID: 4}, true},
		{"disagreeing aliases", map[string]string{"cid": "4", "courseId": "5"}, "", roles.Target{}, false},
		{"disagreeing query aliases", nil, "cid=4&courseId=5", roles.Target{}, false},
		{"non numeric", map[string]string{"cid": "abc"}, "", roles.Target{}, false},
		{"negative", map[string]string{"cid": "-1"}, "", roles.Target{}, false},
		{"zero", nil, "courseId=0", roles.Target{}, false},
		{"empty query value", nil, "courseId=", roles.Target{}, false},
		{"overflow", map[string]string{"oid": "99999999999999999999"}, "", roles.Target{}, false},
		{"bad org good course", map[string]string{"oid": "x", "cid": "2"}, "", roles.Target{CourseID: 2}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			assert.NoError(t, err)
			got, ok := ExtractTarget(tt.vars, q)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
