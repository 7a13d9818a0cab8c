package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	project, err := InitProject(t.TempDir(), false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	cfg, err := LoadConfig(project)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxSpawnDepth != 3 || cfg.LaunchRetries != 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.TimerInterval.Duration != 5*time.Second {
		t.Fatalf("unexpected timer interval: %s", cfg.TimerInterval.Duration)
	}
	if cfg.StaleAfter.Duration != 10*time.Minute {
		t.Fatalf("unexpected stale_after: %s", cfg.StaleAfter.Duration)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	project, err := InitProject(t.TempDir(), false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	body := `max_spawn_depth: 5
coordinator: lead
timer_interval: 1m
stream:
  poll_interval: 250ms
providers:
  claude:
    executable: /opt/bin/claude
`
	if err := os.WriteFile(filepath.Join(project.Dir, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(project)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxSpawnDepth != 5 || cfg.Coordinator != "lead" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.TimerInterval.Duration != time.Minute {
		t.Fatalf("unexpected timer interval: %s", cfg.TimerInterval.Duration)
	}
	if cfg.Stream.PollInterval.Duration != 250*time.Millisecond {
		t.Fatalf("unexpected poll interval: %s", cfg.Stream.PollInterval.Duration)
	}
	if cfg.Providers["claude"].Executable != "/opt/bin/claude" {
		t.Fatalf("unexpected providers: %+v", cfg.Providers)
	}
}

func TestLoadConfigTOML(t *testing.T) {
	project, err := InitProject(t.TempDir(), false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	body := "max_spawn_depth = 2\ncoordinator = \"lead\"\n\n[providers.codex]\nextra_args = [\"--full-auto\"]\n"
	if err := os.WriteFile(filepath.Join(project.Dir, "config.toml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(project)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxSpawnDepth != 2 {
		t.Fatalf("expected depth 2, got %d", cfg.MaxSpawnDepth)
	}
	if got := cfg.Providers["codex"].ExtraArgs; len(got) != 1 || got[0] != "--full-auto" {
		t.Fatalf("unexpected extra args: %v", got)
	}
}

func TestDiscoverProjectHonorsRootEnv(t *testing.T) {
	root := t.TempDir()
	if _, err := InitProject(root, false); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Setenv(RootEnv, root)

	project, err := DiscoverProject(t.TempDir())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if project.Root != root {
		t.Fatalf("expected root %s, got %s", root, project.Root)
	}
}

func TestHashConstitutionStable(t *testing.T) {
	a := HashConstitution("be helpful\r\n")
	b := HashConstitution("be helpful")
	if a != b {
		t.Fatalf("expected normalized hashes to match")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if HashConstitution("be terse") == a {
		t.Fatalf("expected different text to hash differently")
	}
}
