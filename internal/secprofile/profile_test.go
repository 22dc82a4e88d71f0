package secprofile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfiles(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_EmptyPathUsesDefault(t *testing.T) {
	store, err := Load("")
	require.NoError(t, err)

	p := store.Resolve("challenge")
	assert.Equal(t, DefaultProfileName, p.Name)
	assert.Equal(t, []string{"ALL"}, p.CapDrop)
	assert.True(t, p.ReadOnlyRootfs)
}

func TestLoad_NamedProfiles(t *testing.T) {
	path := writeProfiles(t, `
profiles:
  challenge:
    cap_drop: ["ALL"]
    cap_add: ["NET_BIND_SERVICE"]
    user: "33:33"
    read_only_rootfs: true
    memory: "128m"
    cpus: "0.25"
    pids_limit: 64
  relaxed:
    read_only_rootfs: false
`)
	store, err := Load(path)
	require.NoError(t, err)

	p := store.Resolve("challenge")
	assert.Equal(t, "challenge", p.Name)
	assert.Equal(t, []string{"NET_BIND_SERVICE"}, p.CapAdd)
	assert.Equal(t, "33:33", p.User)
	assert.Equal(t, int64(64), p.PidsLimit)

	relaxed := store.Resolve("relaxed")
	assert.False(t, relaxed.ReadOnlyRootfs)
	// Unspecified fields pick up hardened defaults.
	assert.Equal(t, []string{"ALL"}, relaxed.CapDrop)
	assert.Equal(t, []string{"no-new-privileges:true"}, relaxed.SecurityOpts)
	assert.Equal(t, "1000:1000", relaxed.User)
}

func TestLoad_RejectsPrivileged(t *testing.T) {
	path := writeProfiles(t, `
profiles:
  escape-hatch:
    privileged: true
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "privileged")
}

func TestLoad_RejectsSeccompUnconfined(t *testing.T) {
	path := writeProfiles(t, `
profiles:
  loose:
    security_opts: ["seccomp=unconfined"]
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seccomp")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestResolve_UnknownFallsBackToDefault(t *testing.T) {
	store, err := Load("")
	require.NoError(t, err)

	p := store.Resolve("does-not-exist")
	assert.Equal(t, DefaultProfileName, p.Name)
}
