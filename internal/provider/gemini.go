package provider

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/adamavenir/murmur/internal/types"
	"github.com/gobwas/glob"
)

// Gemini drives the gemini CLI. Chats are single JSON documents at
// tmp/<project-hash>/chats/session-*.json and cannot be resumed by id.
type Gemini struct {
	settings Settings
	globs    []glob.Glob
}

// NewGemini builds the gemini adapter.
func NewGemini(settings Settings) *Gemini {
	return &Gemini{settings: settings, globs: mustGlobs("*/chats/session-*.json")}
}

func (g *Gemini) Kind() types.Provider { return types.ProviderGemini }

func (g *Gemini) Executable() string {
	if g.settings.Executable != "" {
		return g.settings.Executable
	}
	return "gemini"
}

func (g *Gemini) LaunchArgs(req LaunchRequest) []string {
	var args []string
	if req.Model != "" {
		args = append(args, "-m", req.Model)
	}
	args = append(args, "-p", req.Prompt)
	if len(req.ContextDirs) > 0 {
		args = append(args, "--include-directories", strings.Join(req.ContextDirs, ","))
	}
	return append(args, g.settings.ExtraArgs...)
}

func (g *Gemini) ResumeArgs(string) ([]string, bool) { return nil, false }

func (g *Gemini) SessionDirs() []string {
	if g.settings.SessionDir != "" {
		return []string{g.settings.SessionDir}
	}
	home := homeDir()
	if home == "" {
		return nil
	}
	return []string{filepath.Join(home, ".gemini", "tmp")}
}

func (g *Gemini) SessionGlobs() []glob.Glob { return g.globs }

type geminiChat struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
	Messages  []struct {
		Type      string          `json:"type"`
		Timestamp any             `json:"timestamp"`
		Content   json.RawMessage `json:"content"`
	} `json:"messages"`
}

func readGeminiChat(path string) (*geminiChat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var chat geminiChat
	if err := json.Unmarshal(data, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// SessionIDFromPath prefers the id recorded in the document.
func (g *Gemini) SessionIDFromPath(path string) string {
	if chat, err := readGeminiChat(path); err == nil && chat.SessionID != "" {
		return chat.SessionID
	}
	return strings.TrimSuffix(filepath.Base(path), ".json")
}

func (g *Gemini) SessionIDFromOutput([]byte) (string, bool) { return "", false }

func (g *Gemini) SessionWorkDir(path string) (string, bool) {
	chat, err := readGeminiChat(path)
	if err != nil || chat.Cwd == "" {
		return "", false
	}
	return chat.Cwd, true
}

func (g *Gemini) ExtractMarker(path, marker string) (bool, error) {
	chat, err := readGeminiChat(path)
	if err != nil {
		return false, err
	}
	for _, msg := range chat.Messages {
		if strings.Contains(contentText(msg.Content), marker) {
			return true, nil
		}
	}
	return false, nil
}

func (g *Gemini) ParseArtifact(path string) ([]types.SessionEvent, error) {
	chat, err := readGeminiChat(path)
	if err != nil {
		return nil, err
	}
	events := make([]types.SessionEvent, 0, len(chat.Messages))
	for _, msg := range chat.Messages {
		content := contentText(msg.Content)
		if content == "" {
			continue
		}
		kind := msg.Type
		if kind == "gemini" {
			kind = "assistant"
		}
		events = append(events, types.SessionEvent{
			Type:      kind,
			Timestamp: parseTimestamp(msg.Timestamp),
			Content:   content,
		})
	}
	return events, nil
}
