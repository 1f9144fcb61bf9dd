package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"gopkg.in/yaml.v3"
)

// Profile describes the bubblewrap environment a command runs in.
type Profile struct {
	Name        string            `yaml:"name"`
	Filesystem  []Mount           `yaml:"filesystem,omitempty"`
	Namespaces  NamespaceConfig   `yaml:"namespaces,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Security    SecurityConfig    `yaml:"security,omitempty"`
}

// Mount is a host path exposed inside the environment.
type Mount struct {
	Source   string `yaml:"source,omitempty"`
	Dest     string `yaml:"dest"`
	Mode     string `yaml:"mode,omitempty"`
	Type     string `yaml:"type,omitempty"`
	Optional bool   `yaml:"optional,omitempty"`
}

// Mount types and modes.
const (
	MountTypeBind  = ""
	MountTypeTmpfs = "tmpfs"
	MountTypeProc  = "proc"
	MountTypeDev   = "dev"

	MountModeRO = "ro"
	MountModeRW = "rw"
)

// NamespaceConfig selects the namespaces to unshare.
type NamespaceConfig struct {
	PID bool `yaml:"pid"`
	Net bool `yaml:"net"`
	IPC bool `yaml:"ipc"`
	UTS bool `yaml:"uts"`
}

// SecurityConfig holds process-level hardening flags.
type SecurityConfig struct {
	NewSession    bool `yaml:"new_session"`
	DieWithParent bool `yaml:"die_with_parent"`
}

// DefaultProfile exposes the host toolchain read-only and nothing else.
func DefaultProfile() *Profile {
	return &Profile{
		Name: "default",
		Filesystem: []Mount{
			{Source: "/usr", Dest: "/usr", Mode: MountModeRO},
			{Source: "/bin", Dest: "/bin", Mode: MountModeRO, Optional: true},
			{Source: "/lib", Dest: "/lib", Mode: MountModeRO, Optional: true},
			{Source: "/lib64", Dest: "/lib64", Mode: MountModeRO, Optional: true},
			{Source: "/etc/alternatives", Dest: "/etc/alternatives", Mode: MountModeRO, Optional: true},
			{Dest: "/tmp", Type: MountTypeTmpfs},
			{Dest: "/proc", Type: MountTypeProc},
			{Dest: "/dev", Type: MountTypeDev},
		},
		Namespaces: NamespaceConfig{PID: true, Net: true, IPC: true, UTS: true},
		Environment: map[string]string{
			"PATH": "/usr/local/bin:/usr/bin:/bin",
			"HOME": "/tmp",
			"LANG": "C.UTF-8",
		},
		Security: SecurityConfig{NewSession: true, DieWithParent: true},
	}
}

// LoadProfile reads a profile from a YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sandbox profile %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse sandbox profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks mount definitions.
func (p *Profile) Validate() error {
	for i, m := range p.Filesystem {
		if m.Dest == "" {
			return fmt.Errorf("profile %s: mount %d has no dest", p.Name, i)
		}
		if m.Dest == WorkDir {
			return fmt.Errorf("profile %s: %s is reserved for the workspace", p.Name, WorkDir)
		}
		switch m.Type {
		case MountTypeBind:
			if m.Source == "" {
				return fmt.Errorf("profile %s: bind mount %s has no source", p.Name, m.Dest)
			}
			if m.Mode != "" && m.Mode != MountModeRO && m.Mode != MountModeRW {
				return fmt.Errorf("profile %s: invalid mode %q for %s", p.Name, m.Mode, m.Dest)
			}
		case MountTypeTmpfs, MountTypeProc, MountTypeDev:
		default:
			return fmt.Errorf("profile %s: unknown mount type %q", p.Name, m.Type)
		}
	}
	return nil
}

// BwrapDriver runs every command in a fresh bubblewrap namespace with the
// workspace bound read-write at /app. There is no long-lived process.
type BwrapDriver struct {
	binary  string
	profile *Profile
}

// NewBwrapDriver creates a bwrap driver for profile.
func NewBwrapDriver(profile *Profile) *BwrapDriver {
	if profile == nil {
		profile = DefaultProfile()
	}
	return &BwrapDriver{binary: "bwrap", profile: profile}
}

// Name implements Driver.
func (d *BwrapDriver) Name() string { return DriverBwrap }

// Start implements Driver.
func (d *BwrapDriver) Start(context.Context, *Handle) error {
	if _, err := exec.LookPath(d.binary); err != nil {
		return fmt.Errorf("bwrap not available: %w", err)
	}
	return nil
}

// Command implements Driver.
func (d *BwrapDriver) Command(ctx context.Context, h *Handle, command string) (*exec.Cmd, error) {
	args := d.Args(h)
	args = append(args, "--", "sh", "-c", command)
	cmd := exec.CommandContext(ctx, d.binary, args...)
	cmd.Env = []string{}
	return cmd, nil
}

// Stop implements Driver.
func (d *BwrapDriver) Stop(context.Context, *Handle) error { return nil }

// Args returns the bwrap arguments preceding the command.
func (d *BwrapDriver) Args(h *Handle) []string {
	p := d.profile
	var args []string

	if p.Namespaces.PID {
		args = append(args, "--unshare-pid")
	}
	if p.Namespaces.Net {
		args = append(args, "--unshare-net")
	}
	if p.Namespaces.IPC {
		args = append(args, "--unshare-ipc")
	}
	if p.Namespaces.UTS {
		args = append(args, "--unshare-uts")
	}
	if p.Security.NewSession {
		args = append(args, "--new-session")
	}
	if p.Security.DieWithParent {
		args = append(args, "--die-with-parent")
	}

	for _, m := range p.Filesystem {
		switch m.Type {
		case MountTypeTmpfs:
			args = append(args, "--tmpfs", m.Dest)
		case MountTypeProc:
			args = append(args, "--proc", m.Dest)
		case MountTypeDev:
			args = append(args, "--dev", m.Dest)
		default:
			flag := "--ro-bind"
			if m.Mode == MountModeRW {
				flag = "--bind"
			}
			if m.Optional {
				flag += "-try"
			}
			args = append(args, flag, m.Source, m.Dest)
		}
	}

	args = append(args, "--bind", h.Dir, WorkDir, "--chdir", WorkDir, "--clearenv")

	keys := make([]string, 0, len(p.Environment))
	for k := range p.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--setenv", k, p.Environment[k])
	}
	return args
}
