package orch

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest lists the tests of one suite.
type Manifest struct {
	Suite string         `yaml:"suite"`
	Tests []ManifestTest `yaml:"tests"`
}

// ManifestTest is one entry in a suite manifest.
type ManifestTest struct {
	Path string `yaml:"path"`
	Skip bool   `yaml:"skip,omitempty"`
}

// LoadManifest parses a YAML suite manifest and returns the test paths
// to run, in manifest order, with skipped entries removed.
func LoadManifest(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if len(m.Tests) == 0 {
		return nil, fmt.Errorf("manifest %s lists no tests", path)
	}

	var paths []string
	seen := make(map[string]bool)
	for i, t := range m.Tests {
		if t.Path == "" {
			return nil, fmt.Errorf("manifest %s: test %d has no path", path, i)
		}
		if t.Skip || seen[t.Path] {
			continue
		}
		seen[t.Path] = true
		paths = append(paths, t.Path)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("manifest %s: all tests skipped", path)
	}
	return paths, nil
}
