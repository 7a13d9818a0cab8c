package provider

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/types"
	"github.com/gobwas/glob"
)

// LaunchRequest carries everything an adapter needs to build a command line.
type LaunchRequest struct {
	Prompt          string
	Model           string
	WorkDir         string
	ContextDirs     []string
	ResumeSessionID string
}

// Adapter is the per-provider capability set used to launch a process and to
// discover the session artifact it writes.
type Adapter interface {
	Kind() types.Provider
	// Executable is the command name or path resolved on the sanitized PATH.
	Executable() string
	// LaunchArgs builds arguments for a fresh or resumed run.
	LaunchArgs(req LaunchRequest) []string
	// ResumeArgs expresses "resume session X". ok is false when the provider
	// cannot resume.
	ResumeArgs(sessionID string) (args []string, ok bool)
	// SessionDirs lists directories the provider writes artifacts under.
	SessionDirs() []string
	// SessionGlobs match artifact paths relative to a session dir.
	SessionGlobs() []glob.Glob
	// SessionIDFromPath derives the session id from an artifact path.
	SessionIDFromPath(path string) string
	// SessionIDFromOutput extracts a session id the process printed.
	SessionIDFromOutput(stdout []byte) (string, bool)
	// SessionWorkDir reports the working directory recorded in an artifact.
	SessionWorkDir(path string) (string, bool)
	// ExtractMarker reports whether an artifact contains marker.
	ExtractMarker(path, marker string) (bool, error)
	// ParseArtifact reads an artifact into ordered events.
	ParseArtifact(path string) ([]types.SessionEvent, error)
}

// Settings override adapter defaults.
type Settings struct {
	Executable string
	ExtraArgs  []string
	SessionDir string
}

func settingsFrom(cfg core.ProviderConfig) Settings {
	return Settings{Executable: cfg.Executable, ExtraArgs: cfg.ExtraArgs, SessionDir: cfg.SessionDir}
}

// Registry maps stored provider tags to adapters.
type Registry struct {
	adapters map[types.Provider]Adapter
}

// NewRegistry builds the registry with config overrides applied.
func NewRegistry(providers map[string]core.ProviderConfig) *Registry {
	return &Registry{adapters: map[types.Provider]Adapter{
		types.ProviderClaude: NewClaude(settingsFrom(providers[string(types.ProviderClaude)])),
		types.ProviderCodex:  NewCodex(settingsFrom(providers[string(types.ProviderCodex)])),
		types.ProviderGemini: NewGemini(settingsFrom(providers[string(types.ProviderGemini)])),
	}}
}

// NewRegistryWith builds a registry from explicit adapters.
func NewRegistryWith(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[types.Provider]Adapter{}}
	for _, a := range adapters {
		r.adapters[a.Kind()] = a
	}
	return r
}

// Get returns the adapter for a provider tag.
func (r *Registry) Get(kind types.Provider) (Adapter, error) {
	if r == nil {
		return nil, fmt.Errorf("no provider registry")
	}
	adapter, ok := r.adapters[kind]
	if !ok {
		return nil, core.NewValidationError("provider %q cannot be launched", kind)
	}
	return adapter, nil
}

// Artifact is a candidate session file.
type Artifact struct {
	Path    string
	ModTime time.Time
}

// ListArtifacts returns artifacts under the adapter's session dirs matching
// its globs and modified at or after since, newest first. File mtime stands
// in for creation time.
func ListArtifacts(adapter Adapter, since time.Time) []Artifact {
	globs := adapter.SessionGlobs()
	var artifacts []Artifact
	for _, dir := range adapter.SessionDirs() {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return nil
			}
			if !matchAny(globs, filepath.ToSlash(rel)) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if !since.IsZero() && info.ModTime().Before(since) {
				return nil
			}
			artifacts = append(artifacts, Artifact{Path: path, ModTime: info.ModTime()})
			return nil
		})
	}
	sort.SliceStable(artifacts, func(i, j int) bool {
		return artifacts[i].ModTime.After(artifacts[j].ModTime)
	})
	return artifacts
}

// FindArtifact returns the artifact whose session id is sessionID.
func FindArtifact(adapter Adapter, sessionID string) (string, bool) {
	if sessionID == "" {
		return "", false
	}
	for _, artifact := range ListArtifacts(adapter, time.Time{}) {
		if adapter.SessionIDFromPath(artifact.Path) == sessionID {
			return artifact.Path, true
		}
	}
	return "", false
}

func matchAny(globs []glob.Glob, rel string) bool {
	for _, g := range globs {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

func mustGlobs(patterns ...string) []glob.Glob {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		globs = append(globs, glob.MustCompile(pattern, '/'))
	}
	return globs
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}
