package provider

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrExecutableNotFound marks a provider CLI missing from PATH. It is not retried.
var ErrExecutableNotFound = errors.New("executable not found")

var baseEnviron = os.Environ

var strippedEnvPrefixes = []string{
	"VIRTUAL_ENV=",
	"CONDA_",
	"PYTHONHOME=",
	"PIPENV_ACTIVE=",
	"POETRY_ACTIVE=",
	"UV_",
}

// SanitizeEnv removes Python virtual environment state so provider CLIs
// run against the user's global toolchain.
func SanitizeEnv(env []string) []string {
	venv := ""
	for _, kv := range env {
		if strings.HasPrefix(kv, "VIRTUAL_ENV=") {
			venv = strings.TrimPrefix(kv, "VIRTUAL_ENV=")
		}
	}

	out := make([]string, 0, len(env))
	for _, kv := range env {
		if hasAnyPrefix(kv, strippedEnvPrefixes) {
			continue
		}
		if strings.HasPrefix(kv, "PATH=") {
			kv = "PATH=" + cleanPath(strings.TrimPrefix(kv, "PATH="), venv)
		}
		out = append(out, kv)
	}
	return out
}

// WithEnv sets key=value in env, replacing any existing entry.
func WithEnv(env []string, key, value string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
		}
	}
	return append(out, prefix+value)
}

// LookupEnv returns the value of key in env.
func LookupEnv(env []string, key string) string {
	prefix := key + "="
	for i := len(env) - 1; i >= 0; i-- {
		if strings.HasPrefix(env[i], prefix) {
			return strings.TrimPrefix(env[i], prefix)
		}
	}
	return ""
}

// LookPath resolves an executable against the PATH in env.
func LookPath(name string, env []string) (string, error) {
	if strings.Contains(name, string(filepath.Separator)) {
		if isExecutable(name) {
			return name, nil
		}
		return "", ErrExecutableNotFound
	}
	for _, dir := range filepath.SplitList(LookupEnv(env, "PATH")) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", ErrExecutableNotFound
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

func cleanPath(path, venv string) string {
	entries := filepath.SplitList(path)
	kept := entries[:0]
	for _, entry := range entries {
		if isVenvEntry(entry, venv) {
			continue
		}
		kept = append(kept, entry)
	}
	return strings.Join(kept, string(filepath.ListSeparator))
}

func isVenvEntry(entry, venv string) bool {
	if venv != "" && strings.HasPrefix(entry, venv) {
		return true
	}
	clean := filepath.ToSlash(entry)
	for _, marker := range []string{"/.venv/", "/venv/", "/.virtualenvs/", "/conda/envs/"} {
		if strings.Contains(clean+"/", marker) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
