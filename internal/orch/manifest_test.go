package orch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "suite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestLoadManifest(t *testing.T) {
	path := writeManifest(t, `
suite: smoke
tests:
  - path: flows/login.yaml
  - path: flows/cart.yaml
  - path: flows/search.yaml
    skip: true
  - path: flows/login.yaml
`)

	paths, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"flows/login.yaml", "flows/cart.yaml"}, paths,
		"skipped and duplicate entries are dropped, order is preserved")
}

func TestLoadManifest_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{name: "not yaml", src: "{{nope"},
		{name: "no tests", src: "suite: empty\ntests: []"},
		{name: "missing path", src: "tests:\n  - skip: false"},
		{name: "all skipped", src: "tests:\n  - path: a.yaml\n    skip: true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadManifest(writeManifest(t, tt.src))
			assert.Error(t, err)
		})
	}
}

func TestLoadManifest_MissingFile(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
