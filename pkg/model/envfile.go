package model

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadEnvFile reads a KEY=VALUE file into a map. Blank lines, comments and
// lines without '=' are skipped; an optional "export " prefix and single or
// double quotes around values are tolerated. A file that yields no variables
// is a validation failure rather than a silent no-op.
func LoadEnvFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ValidationError{Field: "env_file", Message: fmt.Sprintf("cannot read %s: %v", path, err)}
	}

	env := make(map[string]string)
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || !strings.Contains(line, "=") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, _ := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if key != "" {
			env[key] = value
		}
	}
	if len(env) == 0 {
		return nil, &ValidationError{Field: "env_file", Message: "env file is empty or invalid; no variables parsed"}
	}
	return env, nil
}

// ParseSpecFile loads a SandboxSpec from a YAML (or JSON) document and
// resolves its env_file relative to the caller's working directory.
func ParseSpecFile(path string) (*SandboxSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var spec SandboxSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, &ValidationError{Field: "spec", Message: fmt.Sprintf("cannot parse %s: %v", path, err)}
	}
	if spec.EnvFile != "" {
		env, err := LoadEnvFile(spec.EnvFile)
		if err != nil {
			return nil, err
		}
		if spec.Env == nil {
			spec.Env = env
		} else {
			// Inline env wins over file entries on key collision.
			for k, v := range env {
				if _, ok := spec.Env[k]; !ok {
					spec.Env[k] = v
				}
			}
		}
		spec.EnvFile = ""
	}
	spec.ApplyDefaults()
	return &spec, nil
}
