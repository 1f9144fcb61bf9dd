package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configEnvKeys = []string{
	"PORT", "EVENT_LOG_URL", "EVENT_LOG_RETENTION", "EVENT_POLL_INTERVAL",
	"WORKSPACE_ROOT", "COMMAND_TIMEOUT", "SESSION_TIMEOUT", "SANDBOX_DRIVER",
	"SANDBOX_IMAGE", "SANDBOX_PROFILE", "RECORD_STORE_URL", "INTERNAL_API_SECRET",
	"JWT_SECRET", "API_KEY_HASHES", "GEMINI_API_KEY", "GEMINI_MODEL", "GIT_HOST",
	"AUTO_PUSH", "JOB_LOCKING", "POSTHOG_API_URL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnvKeys {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultWorkspaceRoot, cfg.WorkspaceRoot)
	assert.Equal(t, Duration(DefaultCommandTimeout), cfg.CommandTimeout)
	assert.Zero(t, cfg.SessionTimeout, "session timeout is unbounded by default")
	assert.Equal(t, DefaultRetention, cfg.EventLogRetention)
	assert.Empty(t, cfg.EventLogURL)
	assert.True(t, cfg.PushEnabled())
	assert.True(t, cfg.LockingEnabled())
}

func TestLoad_Environment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("COMMAND_TIMEOUT", "45")
	t.Setenv("SESSION_TIMEOUT", "10m")
	t.Setenv("API_KEY_HASHES", " a , ,b ")
	t.Setenv("AUTO_PUSH", "false")
	t.Setenv("JOB_LOCKING", "0")
	t.Setenv("SANDBOX_DRIVER", "local")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, Duration(45*time.Second), cfg.CommandTimeout)
	assert.Equal(t, Duration(10*time.Minute), cfg.SessionTimeout)
	assert.Equal(t, []string{"a", "b"}, cfg.APIKeyHashes)
	assert.False(t, cfg.PushEnabled())
	assert.False(t, cfg.LockingEnabled())
	assert.Equal(t, "local", cfg.SandboxDriver)
}

func TestLoad_FileUnderEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "7000")
	path := writeConfig(t, `{
		"port": "6000",
		"workspace_root": "/srv/jobs",
		"command_timeout": "1m",
		"session_timeout": 90,
		"auto_push": false
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port, "environment wins over the file")
	assert.Equal(t, "/srv/jobs", cfg.WorkspaceRoot)
	assert.Equal(t, Duration(time.Minute), cfg.CommandTimeout)
	assert.Equal(t, Duration(90*time.Second), cfg.SessionTimeout)
	assert.False(t, cfg.PushEnabled())
	assert.True(t, cfg.LockingEnabled())
}

func TestLoad_InvalidDriver(t *testing.T) {
	clearEnv(t)
	t.Setenv("SANDBOX_DRIVER", "vm")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sandbox driver")
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{ invalid json }`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config JSON")
}

func TestLoadConfig_BadDuration(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{"command_timeout": "soon"}`))
	require.Error(t, err)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig("")
	assert.Error(t, err)

	_, err = LoadConfig("/nonexistent/path/config.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_RelativePath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.json"), []byte(`{"git_host":"https://git.example.com"}`), 0644))
	t.Chdir(dir)

	cfg, err := LoadConfig("c.json")
	require.NoError(t, err)
	assert.Equal(t, "https://git.example.com", cfg.GitHost)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"empty", Config{}, false},
		{"negative retention", Config{EventLogRetention: -1}, true},
		{"negative timeout", Config{CommandTimeout: Duration(-time.Second)}, true},
		{"bwrap", Config{SandboxDriver: "bwrap"}, false},
		{"missing profile", Config{SandboxProfile: "/nonexistent/profile.yaml"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMergeWithDefaults_KeepsSetValues(t *testing.T) {
	off := false
	cfg := Config{Port: "1", JobLocking: &off, EventLogRetention: 10}
	merged := cfg.MergeWithDefaults(Defaults())

	assert.Equal(t, "1", merged.Port)
	assert.Equal(t, 10, merged.EventLogRetention)
	assert.False(t, merged.LockingEnabled())
	assert.Equal(t, DefaultGitHost, merged.GitHost)
	assert.Empty(t, cfg.GitHost, "receiver is not modified")
}

func TestDuration_JSON(t *testing.T) {
	data, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"2s"`), &d))
	assert.Equal(t, Duration(2*time.Second), d)
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CODEE_TEST_INT", "x")
	t.Setenv("CODEE_TEST_BOOL", "yes")
	t.Setenv("CODEE_TEST_DUR", "3")

	assert.Equal(t, 5, EnvInt("CODEE_TEST_INT", 5))
	assert.True(t, EnvBool("CODEE_TEST_BOOL", true))
	assert.Equal(t, 3*time.Second, EnvDuration("CODEE_TEST_DUR", 0))
	assert.Equal(t, "d", EnvString("CODEE_TEST_MISSING", "d"))
}
