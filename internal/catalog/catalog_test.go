package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const xssChallenge = `
id: xss-01
name: Reflected XSS
difficulty: beginner
category: web
points: 100
tags: [xss, web]
estimated_time: 30m
container_spec:
  image: dvc/xss-01:latest
  ports: ["80/tcp"]
  environment:
    APP_ENV: challenge
  resource_limits:
    memory: 128m
    cpus: "0.25"
    pids_limit: 64
  security_profile: challenge
hints:
  - text: Look at the search box.
    penalty: 10
`

func writeChallenge(t *testing.T, baseDir, dir, content string) {
	t.Helper()
	full := filepath.Join(baseDir, dir)
	require.NoError(t, os.MkdirAll(full, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(full, "challenge.yaml"), []byte(content), 0o600))
}

func TestBuildIndex(t *testing.T) {
	base := t.TempDir()
	writeChallenge(t, base, "web/xss-01", xssChallenge)

	idx, err := NewIndex(base)
	require.NoError(t, err)

	ch, err := idx.Get("xss-01")
	require.NoError(t, err)
	assert.Equal(t, "Reflected XSS", ch.Name)
	assert.Equal(t, DifficultyBeginner, ch.Difficulty)
	assert.Equal(t, "dvc/xss-01:latest", ch.Container.Image)
	assert.Equal(t, []string{"80/tcp"}, ch.Container.Ports)
	assert.Equal(t, "challenge", ch.Container.SecurityProfile)
	assert.Equal(t, int64(64), ch.Container.Resources.PidsLimit)
	require.Len(t, ch.Hints, 1)
	assert.Equal(t, 10, ch.Hints[0].Penalty)
}

func TestBuildIndex_DuplicateID(t *testing.T) {
	base := t.TempDir()
	writeChallenge(t, base, "web/a", xssChallenge)
	writeChallenge(t, base, "web/b", xssChallenge)

	_, err := NewIndex(base)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate challenge id")
}

func TestBuildIndex_MissingFields(t *testing.T) {
	cases := map[string]string{
		"missing id":         "name: x\ndifficulty: beginner\ncategory: web\ncontainer_spec:\n  image: a",
		"missing name":       "id: x\ndifficulty: beginner\ncategory: web\ncontainer_spec:\n  image: a",
		"missing category":   "id: x\nname: x\ndifficulty: beginner\ncontainer_spec:\n  image: a",
		"bad difficulty":     "id: x\nname: x\ndifficulty: impossible\ncategory: web\ncontainer_spec:\n  image: a",
		"missing image":      "id: x\nname: x\ndifficulty: beginner\ncategory: web",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			base := t.TempDir()
			writeChallenge(t, base, "web/x", content)
			_, err := NewIndex(base)
			assert.Error(t, err)
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	base := t.TempDir()
	writeChallenge(t, base, "web/xss-01", xssChallenge)

	idx, err := NewIndex(base)
	require.NoError(t, err)

	_, err = idx.Get("nope")
	assert.Error(t, err)
}

func TestCategoryCounts(t *testing.T) {
	idx := NewStaticIndex(
		&Challenge{ID: "a", Category: "web"},
		&Challenge{ID: "b", Category: "web"},
		&Challenge{ID: "c", Category: "pwn"},
	)
	counts := idx.CategoryCounts()
	assert.Equal(t, 2, counts["web"])
	assert.Equal(t, 1, counts["pwn"])
}
