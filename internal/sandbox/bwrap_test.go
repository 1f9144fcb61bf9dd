package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBwrapDriver_Args(t *testing.T) {
	d := NewBwrapDriver(nil)
	args := strings.Join(d.Args(&Handle{Dir: "/srv/workspaces/job-1"}), " ")

	assert.Contains(t, args, "--unshare-net")
	assert.Contains(t, args, "--die-with-parent")
	assert.Contains(t, args, "--ro-bind /usr /usr")
	assert.Contains(t, args, "--ro-bind-try /lib64 /lib64")
	assert.Contains(t, args, "--tmpfs /tmp")
	assert.Contains(t, args, "--bind /srv/workspaces/job-1 /app --chdir /app --clearenv")
	assert.Contains(t, args, "--setenv HOME /tmp")
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	content := `
name: networked
filesystem:
  - source: /usr
    dest: /usr
  - source: /opt/cache
    dest: /cache
    mode: rw
  - dest: /tmp
    type: tmpfs
namespaces:
  pid: true
  net: false
environment:
  PATH: /usr/bin
security:
  die_with_parent: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "networked", p.Name)
	require.Len(t, p.Filesystem, 3)
	assert.Equal(t, MountModeRW, p.Filesystem[1].Mode)
	assert.False(t, p.Namespaces.Net)

	args := strings.Join(NewBwrapDriver(p).Args(&Handle{Dir: "/w"}), " ")
	assert.NotContains(t, args, "--unshare-net")
	assert.Contains(t, args, "--bind /opt/cache /cache")
}

func TestProfile_Validate(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		wantErr string
	}{
		{
			name:    "missing dest",
			profile: Profile{Name: "p", Filesystem: []Mount{{Source: "/usr"}}},
			wantErr: "no dest",
		},
		{
			name:    "workspace reserved",
			profile: Profile{Name: "p", Filesystem: []Mount{{Source: "/x", Dest: "/app"}}},
			wantErr: "reserved",
		},
		{
			name:    "bind without source",
			profile: Profile{Name: "p", Filesystem: []Mount{{Dest: "/usr"}}},
			wantErr: "no source",
		},
		{
			name:    "unknown type",
			profile: Profile{Name: "p", Filesystem: []Mount{{Dest: "/x", Type: "overlay"}}},
			wantErr: "unknown mount type",
		},
		{
			name:    "default is valid",
			profile: *DefaultProfile(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.profile.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
