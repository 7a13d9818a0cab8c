package provider

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/adamavenir/murmur/internal/types"
	"github.com/gobwas/glob"
)

const uuidLen = 36

// Codex drives the codex CLI. Rollouts live at
// sessions/YYYY/MM/DD/rollout-<timestamp>-<session-uuid>.jsonl.
type Codex struct {
	settings Settings
	globs    []glob.Glob
}

// NewCodex builds the codex adapter.
func NewCodex(settings Settings) *Codex {
	return &Codex{settings: settings, globs: mustGlobs("*/*/*/rollout-*.jsonl", "rollout-*.jsonl")}
}

func (c *Codex) Kind() types.Provider { return types.ProviderCodex }

func (c *Codex) Executable() string {
	if c.settings.Executable != "" {
		return c.settings.Executable
	}
	return "codex"
}

// LaunchArgs builds `exec --json <prompt>` or `exec resume <id> --json <prompt>`.
func (c *Codex) LaunchArgs(req LaunchRequest) []string {
	args := []string{"exec"}
	if req.ResumeSessionID != "" {
		resume, _ := c.ResumeArgs(req.ResumeSessionID)
		args = append(args, resume...)
	}
	args = append(args, "--json")
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.WorkDir != "" && req.ResumeSessionID == "" {
		args = append(args, "-C", req.WorkDir)
	}
	for _, dir := range req.ContextDirs {
		args = append(args, "--add-dir", dir)
	}
	args = append(args, c.settings.ExtraArgs...)
	return append(args, req.Prompt)
}

func (c *Codex) ResumeArgs(sessionID string) ([]string, bool) {
	return []string{"resume", sessionID}, true
}

func (c *Codex) SessionDirs() []string {
	if c.settings.SessionDir != "" {
		return []string{c.settings.SessionDir}
	}
	var dirs []string
	if codexHome := os.Getenv("CODEX_HOME"); codexHome != "" {
		dirs = append(dirs, filepath.Join(codexHome, "sessions"))
	}
	if home := homeDir(); home != "" {
		defaultPath := filepath.Join(home, ".codex", "sessions")
		if len(dirs) == 0 || dirs[0] != defaultPath {
			dirs = append(dirs, defaultPath)
		}
	}
	return dirs
}

func (c *Codex) SessionGlobs() []glob.Glob { return c.globs }

// SessionIDFromPath takes the trailing uuid of a rollout file name.
func (c *Codex) SessionIDFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	if len(name) >= uuidLen {
		return name[len(name)-uuidLen:]
	}
	return name
}

type codexEvent struct {
	Type      string          `json:"type"`
	Timestamp any             `json:"timestamp"`
	ThreadID  string          `json:"thread_id,omitempty"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type codexSessionMeta struct {
	ID  string `json:"id"`
	Cwd string `json:"cwd"`
}

// SessionIDFromOutput checks thread.started, then a top-level id, then a
// session_meta payload.
func (c *Codex) SessionIDFromOutput(stdout []byte) (string, bool) {
	sessionID := ""
	_ = scanReader(strings.NewReader(string(stdout)), func(line []byte) bool {
		var event codexEvent
		if json.Unmarshal(line, &event) != nil {
			return true
		}
		switch {
		case event.Type == "thread.started" && event.ThreadID != "":
			sessionID = event.ThreadID
		case event.ID != "":
			sessionID = event.ID
		case event.Type == "session_meta":
			var meta codexSessionMeta
			if json.Unmarshal(event.Payload, &meta) == nil {
				sessionID = meta.ID
			}
		}
		return sessionID == ""
	})
	return sessionID, sessionID != ""
}

func (c *Codex) SessionWorkDir(path string) (string, bool) {
	cwd := ""
	_ = scanLines(path, func(line []byte) bool {
		var event codexEvent
		if json.Unmarshal(line, &event) != nil || event.Type != "session_meta" {
			return true
		}
		var meta codexSessionMeta
		if json.Unmarshal(event.Payload, &meta) == nil {
			cwd = meta.Cwd
		}
		return false
	})
	return cwd, cwd != ""
}

func (c *Codex) ExtractMarker(path, marker string) (bool, error) {
	return fileContains(path, marker)
}

type codexMessage struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ParseArtifact keeps response_item message records.
func (c *Codex) ParseArtifact(path string) ([]types.SessionEvent, error) {
	var events []types.SessionEvent
	err := scanLines(path, func(line []byte) bool {
		if event, ok := c.ParseLine(line); ok {
			events = append(events, event)
		}
		return true
	})
	return events, err
}

func (c *Codex) ParseLine(line []byte) (types.SessionEvent, bool) {
	var event codexEvent
	if json.Unmarshal(line, &event) != nil || event.Type != "response_item" {
		return types.SessionEvent{}, false
	}
	var msg codexMessage
	if json.Unmarshal(event.Payload, &msg) != nil || msg.Type != "message" {
		return types.SessionEvent{}, false
	}
	content := contentText(msg.Content)
	if content == "" {
		return types.SessionEvent{}, false
	}
	kind := msg.Role
	if kind == "" {
		kind = "assistant"
	}
	return types.SessionEvent{
		Type:      kind,
		Timestamp: parseTimestamp(event.Timestamp),
		Content:   content,
	}, true
}
