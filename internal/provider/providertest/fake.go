// Package providertest supplies a scriptable provider adapter for tests.
package providertest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/adamavenir/murmur/internal/provider"
	"github.com/adamavenir/murmur/internal/types"
	"github.com/gobwas/glob"
)

// Fake runs Script with /bin/sh. The prompt is $1, the session dir $2 and
// the resume session id, if any, $3. Artifacts are JSONL files of
// SessionEvent records named <session-id>.jsonl.
type Fake struct {
	Provider  types.Provider
	Script    string
	Dir       string
	CanResume bool
	OutputID  bool
	// Exe replaces /bin/sh when set.
	Exe string
}

// New returns a fake claude-tagged adapter writing under dir.
func New(dir, script string) *Fake {
	return &Fake{Provider: types.ProviderClaude, Script: script, Dir: dir, CanResume: true}
}

func (f *Fake) Kind() types.Provider { return f.Provider }

func (f *Fake) Executable() string {
	if f.Exe != "" {
		return f.Exe
	}
	return "/bin/sh"
}

func (f *Fake) LaunchArgs(req provider.LaunchRequest) []string {
	return []string{"-c", f.Script, "fake", req.Prompt, f.Dir, req.ResumeSessionID}
}

func (f *Fake) ResumeArgs(sessionID string) ([]string, bool) {
	if !f.CanResume {
		return nil, false
	}
	return []string{"--resume", sessionID}, true
}

func (f *Fake) SessionDirs() []string { return []string{f.Dir} }

func (f *Fake) SessionGlobs() []glob.Glob { return []glob.Glob{glob.MustCompile("*.jsonl", '/')} }

func (f *Fake) SessionIDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".jsonl")
}

func (f *Fake) SessionIDFromOutput(stdout []byte) (string, bool) {
	if !f.OutputID {
		return "", false
	}
	for _, line := range strings.Split(string(stdout), "\n") {
		if id, ok := strings.CutPrefix(strings.TrimSpace(line), "session:"); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

func (f *Fake) SessionWorkDir(string) (string, bool) { return "", false }

func (f *Fake) ExtractMarker(path, marker string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	return strings.Contains(string(data), marker), nil
}

func (f *Fake) ParseArtifact(path string) ([]types.SessionEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var events []types.SessionEvent
	for _, line := range strings.Split(string(data), "\n") {
		if event, ok := f.ParseLine([]byte(strings.TrimSpace(line))); ok {
			events = append(events, event)
		}
	}
	return events, nil
}

func (f *Fake) ParseLine(line []byte) (types.SessionEvent, bool) {
	var event types.SessionEvent
	if len(line) == 0 || json.Unmarshal(line, &event) != nil {
		return types.SessionEvent{}, false
	}
	return event, true
}

// WriteArtifact writes a session file with the given records.
func WriteArtifact(dir, sessionID string, events ...types.SessionEvent) (string, error) {
	path := filepath.Join(dir, sessionID+".jsonl")
	var b strings.Builder
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return "", err
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	return path, os.WriteFile(path, []byte(b.String()), 0o644)
}
