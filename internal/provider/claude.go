package provider

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/adamavenir/murmur/internal/types"
	"github.com/gobwas/glob"
)

// Claude drives the claude CLI. Transcripts live at
// <projects>/<encoded-cwd>/<session-uuid>.jsonl.
type Claude struct {
	settings Settings
	globs    []glob.Glob
}

// NewClaude builds the claude adapter.
func NewClaude(settings Settings) *Claude {
	return &Claude{settings: settings, globs: mustGlobs("*/*.jsonl")}
}

func (c *Claude) Kind() types.Provider { return types.ProviderClaude }

func (c *Claude) Executable() string {
	if c.settings.Executable != "" {
		return c.settings.Executable
	}
	return "claude"
}

func (c *Claude) LaunchArgs(req LaunchRequest) []string {
	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeSessionID != "" {
		resume, _ := c.ResumeArgs(req.ResumeSessionID)
		args = append(args, resume...)
	}
	for _, dir := range req.ContextDirs {
		args = append(args, "--add-dir", dir)
	}
	return append(args, c.settings.ExtraArgs...)
}

func (c *Claude) ResumeArgs(sessionID string) ([]string, bool) {
	return []string{"--resume", sessionID}, true
}

func (c *Claude) SessionDirs() []string {
	if c.settings.SessionDir != "" {
		return []string{c.settings.SessionDir}
	}
	home := homeDir()
	if home == "" {
		return nil
	}
	return []string{
		filepath.Join(home, ".config", "claude", "projects"),
		filepath.Join(home, ".claude", "projects"),
	}
}

func (c *Claude) SessionGlobs() []glob.Glob { return c.globs }

func (c *Claude) SessionIDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".jsonl")
}

// SessionIDFromOutput reads the session_id of stream-json records.
func (c *Claude) SessionIDFromOutput(stdout []byte) (string, bool) {
	sessionID := ""
	_ = scanReader(strings.NewReader(string(stdout)), func(line []byte) bool {
		var record struct {
			SessionID string `json:"session_id"`
		}
		if json.Unmarshal(line, &record) == nil && record.SessionID != "" {
			sessionID = record.SessionID
			return false
		}
		return true
	})
	return sessionID, sessionID != ""
}

func (c *Claude) SessionWorkDir(path string) (string, bool) {
	cwd := ""
	_ = scanLines(path, func(line []byte) bool {
		var record struct {
			Cwd string `json:"cwd"`
		}
		if json.Unmarshal(line, &record) == nil && record.Cwd != "" {
			cwd = record.Cwd
			return false
		}
		return true
	})
	return cwd, cwd != ""
}

func (c *Claude) ExtractMarker(path, marker string) (bool, error) {
	return fileContains(path, marker)
}

type claudeEntry struct {
	Type      string `json:"type"`
	Timestamp any    `json:"timestamp"`
	Message   *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

func (c *Claude) ParseArtifact(path string) ([]types.SessionEvent, error) {
	var events []types.SessionEvent
	err := scanLines(path, func(line []byte) bool {
		if event, ok := c.ParseLine(line); ok {
			events = append(events, event)
		}
		return true
	})
	return events, err
}

// ParseLine keeps user and assistant messages that carry text.
func (c *Claude) ParseLine(line []byte) (types.SessionEvent, bool) {
	var entry claudeEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return types.SessionEvent{}, false
	}
	if entry.Message == nil || (entry.Type != "user" && entry.Type != "assistant") {
		return types.SessionEvent{}, false
	}
	content := contentText(entry.Message.Content)
	if content == "" {
		return types.SessionEvent{}, false
	}
	return types.SessionEvent{
		Type:      entry.Type,
		Timestamp: parseTimestamp(entry.Timestamp),
		Content:   content,
	}, true
}

// contentText flattens a message body that is either a string or a list of
// typed blocks. Only text blocks contribute.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if json.Unmarshal(raw, &text) == nil {
		return text
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		switch block.Type {
		case "text", "input_text", "output_text":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}
