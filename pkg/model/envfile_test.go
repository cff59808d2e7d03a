package model

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadEnvFile(t *testing.T) {
	path := writeFile(t, "sandbox.env", `
# comment
TOKEN=abc123
export REGION = us-east-1
QUOTED="hello world"
SINGLE='one'
EMPTY=
a line without an assignment
`)
	env, err := LoadEnvFile(path)
	if err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	want := map[string]string{
		"TOKEN":  "abc123",
		"REGION": "us-east-1",
		"QUOTED": "hello world",
		"SINGLE": "one",
		"EMPTY":  "",
	}
	if len(env) != len(want) {
		t.Fatalf("parsed %d vars, want %d: %v", len(env), len(want), env)
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("env[%q] = %q, want %q", k, env[k], v)
		}
	}
}

func TestLoadEnvFileEmptyFails(t *testing.T) {
	path := writeFile(t, "empty.env", "# only comments\n\n")
	if _, err := LoadEnvFile(path); err == nil {
		t.Fatal("LoadEnvFile on empty file = nil, want validation error")
	}
}

func TestLoadEnvFileMissingFails(t *testing.T) {
	if _, err := LoadEnvFile(filepath.Join(t.TempDir(), "nope.env")); err == nil {
		t.Fatal("LoadEnvFile on missing file = nil, want error")
	}
}

func TestParseSpecFile(t *testing.T) {
	envPath := writeFile(t, "vars.env", "API_TOKEN=xyz\n")
	specPath := writeFile(t, "spec.yaml", `
name: worker
image: alpine:3.20
egress_whitelist:
  - 1.1.1.1/32
limits:
  cpu: 300m
before_script: apk add curl
env_file: `+envPath+`
env:
  API_TOKEN: inline-wins
  EXTRA: "1"
`)
	spec, err := ParseSpecFile(specPath)
	if err != nil {
		t.Fatalf("ParseSpecFile: %v", err)
	}
	if spec.Name != "worker" || spec.Image != "alpine:3.20" {
		t.Fatalf("unexpected spec identity: %+v", spec)
	}
	if spec.Namespace != "default" {
		t.Fatalf("namespace = %q, want defaulted", spec.Namespace)
	}
	if spec.EnvFile != "" {
		t.Fatal("env_file should be consumed during parsing")
	}
	if spec.Env["API_TOKEN"] != "inline-wins" {
		t.Fatalf("inline env should win, got %q", spec.Env["API_TOKEN"])
	}
	if spec.Env["EXTRA"] != "1" {
		t.Fatalf("missing inline env: %v", spec.Env)
	}
	if err := spec.Validate(); err != nil {
		t.Fatalf("parsed spec should validate: %v", err)
	}
}

func TestParseSpecFileBadYAML(t *testing.T) {
	path := writeFile(t, "bad.yaml", "{name: [")
	if _, err := ParseSpecFile(path); err == nil {
		t.Fatal("ParseSpecFile on bad yaml = nil, want error")
	}
}
