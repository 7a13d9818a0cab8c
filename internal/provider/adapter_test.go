package provider

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/types"
)

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(map[string]core.ProviderConfig{"codex": {Executable: "/opt/codex"}})
	codex, err := reg.Get(types.ProviderCodex)
	if err != nil {
		t.Fatalf("get codex: %v", err)
	}
	if codex.Executable() != "/opt/codex" {
		t.Fatalf("expected override, got %s", codex.Executable())
	}
	if _, err := reg.Get(types.ProviderHuman); !core.IsValidation(err) {
		t.Fatalf("expected validation error for human, got %v", err)
	}
}

func TestClaudeLaunchArgs(t *testing.T) {
	claude := NewClaude(Settings{ExtraArgs: []string{"--dangerously-skip-permissions"}})
	args := claude.LaunchArgs(LaunchRequest{
		Prompt:          "hi",
		Model:           "sonnet",
		ResumeSessionID: "abc",
		ContextDirs:     []string{"/repo"},
	})
	joined := strings.Join(args, " ")
	for _, want := range []string{"-p hi", "--model sonnet", "--resume abc", "--add-dir /repo", "--dangerously-skip-permissions"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in %q", want, joined)
		}
	}
}

func TestCodexLaunchArgs(t *testing.T) {
	codex := NewCodex(Settings{})
	fresh := codex.LaunchArgs(LaunchRequest{Prompt: "go", Model: "gpt-5"})
	if fresh[0] != "exec" || fresh[1] != "--json" || fresh[len(fresh)-1] != "go" {
		t.Fatalf("unexpected fresh args %v", fresh)
	}
	resumed := codex.LaunchArgs(LaunchRequest{Prompt: "go", ResumeSessionID: "sid"})
	if strings.Join(resumed[:4], " ") != "exec resume sid --json" {
		t.Fatalf("unexpected resume args %v", resumed)
	}
}

func TestGeminiCannotResume(t *testing.T) {
	gemini := NewGemini(Settings{})
	if _, ok := gemini.ResumeArgs("x"); ok {
		t.Fatalf("expected gemini to refuse resume")
	}
	args := gemini.LaunchArgs(LaunchRequest{Prompt: "p", Model: "flash", ContextDirs: []string{"a", "b"}})
	if strings.Join(args, " ") != "-m flash -p p --include-directories a,b" {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestListArtifactsFiltersAndOrders(t *testing.T) {
	dir := t.TempDir()
	claude := NewClaude(Settings{SessionDir: dir})
	now := time.Now()

	writeFile(t, filepath.Join(dir, "proj", "old.jsonl"), "{}\n", now.Add(-time.Hour))
	writeFile(t, filepath.Join(dir, "proj", "mid.jsonl"), "{}\n", now.Add(-time.Minute))
	writeFile(t, filepath.Join(dir, "proj", "new.jsonl"), "{}\n", now)
	writeFile(t, filepath.Join(dir, "proj", "notes.txt"), "x", now)
	writeFile(t, filepath.Join(dir, "proj", "deep", "nested.jsonl"), "{}\n", now)

	artifacts := ListArtifacts(claude, now.Add(-10*time.Minute))
	if len(artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %v", artifacts)
	}
	if claude.SessionIDFromPath(artifacts[0].Path) != "new" || claude.SessionIDFromPath(artifacts[1].Path) != "mid" {
		t.Fatalf("unexpected order %v", artifacts)
	}

	path, ok := FindArtifact(claude, "old")
	if !ok || filepath.Base(path) != "old.jsonl" {
		t.Fatalf("expected to find old artifact, got %q", path)
	}
}

func TestListArtifactsMissingDir(t *testing.T) {
	claude := NewClaude(Settings{SessionDir: filepath.Join(t.TempDir(), "absent")})
	if got := ListArtifacts(claude, time.Time{}); len(got) != 0 {
		t.Fatalf("expected no artifacts, got %v", got)
	}
}
