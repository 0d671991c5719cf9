package guard

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpme/helpme/pkg/auth"
	"github.com/helpme/helpme/pkg/observability"
)

func TestPolicy_LookupAndOverrides(t *testing.T) {
	p := NewPolicy()
	p.Register("alerts.list", Course(auth.CourseRoleStudent, auth.CourseRoleTA))
	p.Register("me.roles", Open())

	_, ok := p.Lookup("unknown")
	assert.False(t, ok)

	req, ok := p.Lookup("alerts.list")
	require.True(t, ok)
	assert.Len(t, req.CourseRoles, 2)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
routes:
  alerts.list:
    courseRoles: [professor]
  orgmembers.add:
    orgRoles: [admin]
`), 0o600))
	require.NoError(t, p.LoadFile(path))

	req, _ = p.Lookup("alerts.list")
	assert.Equal(t, []auth.CourseRole{auth.CourseRoleProfessor}, req.CourseRoles)

	req, ok = p.Lookup("orgmembers.add")
	require.True(t, ok)
	assert.Equal(t, []auth.OrgRole{auth.OrgRoleAdmin}, req.OrgRoles)

	assert.Equal(t, []string{"alerts.list", "me.roles", "orgmembers.add"}, p.Names())
}

func TestPolicy_LoadFileRejectsUnknownRoles(t *testing.T) {
	p := NewPolicy()
	p.Register("alerts.list", Course(auth.CourseRoleStudent))

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routes:\n  alerts.list:\n    courseRoles: [superuser]\n"), 0o600))

	assert.Error(t, p.LoadFile(path))

	req, _ := p.Lookup("alerts.list")
	assert.Equal(t, []auth.CourseRole{auth.CourseRoleStudent}, req.CourseRoles)
}

func TestPolicy_LoadFileErrors(t *testing.T) {
	p := NewPolicy()
	assert.Error(t, p.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routes: [not, a, map"), 0o600))
	assert.Error(t, p.LoadFile(path))
}

func TestPolicy_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routes: {}\n"), 0o600))

	p := NewPolicy()
	p.Register("checkin.start", Course(auth.CourseRoleTA, auth.CourseRoleProfessor))
	require.NoError(t, p.LoadFile(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Watch(ctx, path, observability.NewNopLogger()))

	require.NoError(t, os.WriteFile(path, []byte("routes:\n  checkin.start:\n    courseRoles: [professor]\n"), 0o600))

	assert.Eventually(t, func() bool {
		req, _ := p.Lookup("checkin.start")
		return len(req.CourseRoles) == 1 && req.CourseRoles[0] == auth.CourseRoleProfessor
	}, 2*time.Second, 20*time.Millisecond)
}
