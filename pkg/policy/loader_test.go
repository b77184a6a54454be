package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func newTestLoader() *Loader {
	return NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func loadOne(t *testing.T, path string) Policy {
	t.Helper()
	policies, err := newTestLoader().LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Failed to load %s: %v", path, err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(policies))
	}
	return policies[0]
}

func TestLoad_Rego(t *testing.T) {
	policyFile := filepath.Join(t.TempDir(), "no-friday-deploys.rego")
	regoContent := `# Blocks rolling deploys on Fridays
package custom.friday

import rego.v1

deny contains "no deploys on friday" if {
	input.request.operation == "rolling-deploy"
	time.weekday(time.now_ns()) == "Friday"
}`
	writeFile(t, policyFile, regoContent)

	policy := loadOne(t, policyFile)

	if policy.Name != "no-friday-deploys" {
		t.Errorf("Expected name 'no-friday-deploys', got '%s'", policy.Name)
	}
	if policy.Description != "Blocks rolling deploys on Fridays" {
		t.Errorf("Expected description from comment, got '%s'", policy.Description)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected default severity error, got %s", policy.Severity)
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Metadata["source"] != policyFile {
		t.Errorf("Expected source %s, got %v", policyFile, policy.Metadata["source"])
	}
}

func TestParseRego_Header(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		desc     string
		severity Severity
		tags     []string
		enabled  bool
	}{
		{
			name:     "single line comment",
			content:  "# Blocks deletes\npackage test",
			desc:     "Blocks deletes",
			severity: SeverityError,
			tags:     []string{},
			enabled:  true,
		},
		{
			name:     "multi line comments",
			content:  "# Blocks deletes\n# in system namespaces\npackage test",
			desc:     "Blocks deletes in system namespaces",
			severity: SeverityError,
			tags:     []string{},
			enabled:  true,
		},
		{
			name:     "no comments",
			content:  "package test",
			severity: SeverityError,
			tags:     []string{},
			enabled:  true,
		},
		{
			name:     "directives",
			content:  "# Warns on large scale-ups\n# severity: Warning\n# tags: scale, capacity\npackage test",
			desc:     "Warns on large scale-ups",
			severity: SeverityWarning,
			tags:     []string{"scale", "capacity"},
			enabled:  true,
		},
		{
			name:     "disabled",
			content:  "# disabled\n# Kept for reference\npackage test",
			desc:     "Kept for reference",
			severity: SeverityError,
			tags:     []string{},
		},
		{
			name:     "colon in description",
			content:  "# Note: deletes need approval\npackage test",
			desc:     "Note: deletes need approval",
			severity: SeverityError,
			tags:     []string{},
			enabled:  true,
		},
		{
			name:     "blank line ends header",
			content:  "# License text\n\n# Not a description\npackage test",
			desc:     "License text",
			severity: SeverityError,
			tags:     []string{},
			enabled:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := parseRego("/policies/test.rego", []byte(tt.content))
			if p.Description != tt.desc {
				t.Errorf("Expected description '%s', got '%s'", tt.desc, p.Description)
			}
			if p.Severity != tt.severity {
				t.Errorf("Expected severity %s, got %s", tt.severity, p.Severity)
			}
			if diff := cmp.Diff(tt.tags, p.Tags); diff != "" {
				t.Errorf("Tags mismatch (-want +got):\n%s", diff)
			}
			if p.Enabled != tt.enabled {
				t.Errorf("Expected enabled %v, got %v", tt.enabled, p.Enabled)
			}
		})
	}
}

func TestLoad_JSONPolicy(t *testing.T) {
	policyFile := filepath.Join(t.TempDir(), "test-policy.json")
	writeFile(t, policyFile, `{
		"name": "test-json-policy",
		"description": "A test policy",
		"rego": "package test\n\nimport rego.v1\n\ndeny contains \"x\" if { false }",
		"severity": "warning",
		"enabled": true,
		"tags": ["test"]
	}`)

	policy := loadOne(t, policyFile)

	if policy.Name != "test-json-policy" {
		t.Errorf("Expected name 'test-json-policy', got '%s'", policy.Name)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected severity '%s', got '%s'", SeverityWarning, policy.Severity)
	}
	if policy.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set")
	}
}

func TestLoad_JSONBundle(t *testing.T) {
	bundleFile := filepath.Join(t.TempDir(), "bundle.json")
	writeFile(t, bundleFile, `{
		"name": "platform",
		"version": "1.2.0",
		"policies": [
			{"name": "p1", "rego": "package p1", "severity": "warning", "enabled": true},
			{"name": "p2", "rego": "package p2", "enabled": true}
		]
	}`)

	loaded, err := newTestLoader().LoadFromPaths(context.Background(), []string{bundleFile})
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(loaded))
	}
	if loaded[1].Severity != SeverityError {
		t.Errorf("Expected default severity error, got %s", loaded[1].Severity)
	}
	if loaded[0].Metadata["bundle"] != "platform" || loaded[0].Metadata["bundle_version"] != "1.2.0" {
		t.Errorf("Expected bundle metadata, got %v", loaded[0].Metadata)
	}
}

func TestLoad_JSONErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{name: "invalid json", content: "invalid json", errMsg: "failed to parse JSON policy"},
		{name: "missing name", content: `{"rego": "package x"}`, errMsg: "has no name"},
		{name: "missing rego", content: `{"name": "x"}`, errMsg: "has no rego"},
		{name: "unknown field", content: `{"name": "x", "rego": "package x", "level": "high"}`, errMsg: "unknown field"},
		{name: "bundle policy without name", content: `{"name": "b", "policies": [{"rego": "package x"}]}`, errMsg: "policy 0 has no name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "policy.json")
			writeFile(t, path, tt.content)

			_, err := newTestLoader().LoadFromPaths(context.Background(), []string{path})
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Expected error containing %q, got %v", tt.errMsg, err)
			}
		})
	}
}

func TestLoad_DirectoryRecursive(t *testing.T) {
	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "namespaces")
	if err := os.Mkdir(subDir, 0o755); err != nil {
		t.Fatalf("Failed to create subdirectory: %v", err)
	}

	writeFile(t, filepath.Join(tmpDir, "first.rego"), "package custom.first")
	writeFile(t, filepath.Join(subDir, "second.rego"), "package custom.second")
	writeFile(t, filepath.Join(tmpDir, "README.md"), "# Policies")
	writeFile(t, filepath.Join(tmpDir, "broken.json"), "{")

	loaded, err := newTestLoader().LoadFromPaths(context.Background(), []string{tmpDir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}

	var names []string
	for _, p := range loaded {
		names = append(names, p.Name)
	}
	if diff := cmp.Diff([]string{"first", "second"}, names); diff != "" {
		t.Errorf("Loaded policies mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFromPaths(t *testing.T) {
	tmpDir := t.TempDir()
	dir1 := filepath.Join(tmpDir, "dir1")
	if err := os.Mkdir(dir1, 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	writeFile(t, filepath.Join(dir1, "policy1.rego"), "package p1")
	file1 := filepath.Join(tmpDir, "policy2.rego")
	writeFile(t, file1, "package p2")

	loaded, err := newTestLoader().LoadFromPaths(context.Background(), []string{dir1, file1})
	if err != nil {
		t.Fatalf("Failed to load paths: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(loaded))
	}
}

func TestLoadFromPaths_Errors(t *testing.T) {
	tmpDir := t.TempDir()
	txt := filepath.Join(tmpDir, "test.txt")
	writeFile(t, txt, "not a policy")

	dupDir := filepath.Join(tmpDir, "dup")
	if err := os.Mkdir(dupDir, 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	writeFile(t, filepath.Join(dupDir, "guard.rego"), "package a")
	dupFile := filepath.Join(tmpDir, "guard.rego")
	writeFile(t, dupFile, "package b")

	tests := []struct {
		name   string
		paths  []string
		errMsg string
	}{
		{name: "unsupported file", paths: []string{txt}, errMsg: "unsupported file type"},
		{name: "missing path", paths: []string{"/nonexistent/path"}, errMsg: "failed to stat path"},
		{name: "duplicate names", paths: []string{dupDir, dupFile}, errMsg: "policy guard defined in both"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestLoader().LoadFromPaths(context.Background(), tt.paths)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Expected error containing %q, got %v", tt.errMsg, err)
			}
		})
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	loader := newTestLoader()
	loader.ReloadDelay = 20 * time.Millisecond
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "first.rego"), "package custom.first")

	reloaded := make(chan []Policy, 1)
	err := loader.Watch(context.Background(), []string{dir}, func(policies []Policy) error {
		select {
		case reloaded <- policies:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to start watching: %v", err)
	}
	defer func() {
		if err := loader.StopWatching(); err != nil {
			t.Errorf("StopWatching failed: %v", err)
		}
	}()

	if err := loader.Watch(context.Background(), []string{dir}, func([]Policy) error { return nil }); err == nil {
		t.Error("Expected error watching twice")
	}

	writeFile(t, filepath.Join(dir, "second.rego"), "package custom.second")

	select {
	case policies := <-reloaded:
		if len(policies) != 2 {
			t.Errorf("Expected 2 policies after reload, got %d", len(policies))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
}

func TestWatch_StopsWithContext(t *testing.T) {
	loader := newTestLoader()
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	if err := loader.Watch(ctx, []string{dir}, func([]Policy) error { return nil }); err != nil {
		t.Fatalf("Failed to start watching: %v", err)
	}
	cancel()

	// The event loop closes the watcher on cancel; StopWatching still waits for it.
	_ = loader.StopWatching()
	if err := loader.StopWatching(); err != nil {
		t.Errorf("Expected second StopWatching to be a no-op, got %v", err)
	}
}
