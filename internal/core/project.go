package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WorkspaceDirName is the directory that anchors all persisted stores.
const WorkspaceDirName = ".murmur"

// RootEnv overrides workspace discovery.
const RootEnv = "MURMUR_ROOT"

// Project represents a murmur workspace.
type Project struct {
	Root           string
	Dir            string
	IdentitiesPath string
	ChannelsPath   string
	SpawnsPath     string
}

func projectAt(root string) Project {
	dir := filepath.Join(root, WorkspaceDirName)
	return Project{
		Root:           root,
		Dir:            dir,
		IdentitiesPath: filepath.Join(dir, "identities.db"),
		ChannelsPath:   filepath.Join(dir, "channels.db"),
		SpawnsPath:     filepath.Join(dir, "spawns.db"),
	}
}

// LockPath returns the daemon lock file location.
func (p Project) LockPath() string {
	return filepath.Join(p.Dir, "daemon.lock")
}

// OpenProject returns the workspace rooted exactly at root.
func OpenProject(root string) (Project, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Project{}, err
	}
	project := projectAt(abs)
	if info, err := os.Stat(project.Dir); err != nil || !info.IsDir() {
		return Project{}, fmt.Errorf("%s is not initialized. Run 'murmur init' first", root)
	}
	return project, nil
}

// DiscoverProject walks up from startDir to find a .murmur directory.
// MURMUR_ROOT takes precedence when set.
func DiscoverProject(startDir string) (Project, error) {
	if root := strings.TrimSpace(os.Getenv(RootEnv)); root != "" {
		project, err := OpenProject(root)
		if err != nil {
			return Project{}, fmt.Errorf("%s: %w", RootEnv, err)
		}
		return project, nil
	}

	current := startDir
	if current == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return Project{}, err
		}
		current = cwd
	}
	current, err := filepath.Abs(current)
	if err != nil {
		return Project{}, err
	}

	for {
		project := projectAt(current)
		info, err := os.Stat(project.Dir)
		if err == nil && info.IsDir() {
			return project, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return Project{}, fmt.Errorf("not initialized. Run 'murmur init' first")
		}
		current = parent
	}
}

// InitProject initializes a new workspace at dir.
func InitProject(dir string, force bool) (Project, error) {
	root := dir
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return Project{}, err
		}
		root = cwd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return Project{}, err
	}

	project := projectAt(root)
	if info, err := os.Stat(project.Dir); err == nil && info.IsDir() && !force {
		return Project{}, fmt.Errorf("already initialized. Use --force to reinitialize")
	}

	if err := os.MkdirAll(project.Dir, 0o755); err != nil {
		return Project{}, err
	}
	EnsureGitignore(project.Dir)

	if force {
		for _, path := range []string{project.IdentitiesPath, project.ChannelsPath, project.SpawnsPath} {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return Project{}, err
			}
		}
	}

	return project, nil
}

// EnsureGitignore ensures the workspace .gitignore contains sqlite ignores.
func EnsureGitignore(dir string) {
	gitignore := filepath.Join(dir, ".gitignore")
	entries := []string{"*.db", "*.db-wal", "*.db-shm", "daemon.lock"}

	data, err := os.ReadFile(gitignore)
	if err != nil {
		_ = os.WriteFile(gitignore, []byte(strings.Join(entries, "\n")+"\n"), 0o644)
		return
	}
	content := string(data)

	lines := map[string]bool{}
	for _, line := range strings.Split(content, "\n") {
		lines[line] = true
	}

	missing := []string{}
	for _, entry := range entries {
		if !lines[entry] {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return
	}
	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += strings.Join(missing, "\n") + "\n"
	_ = os.WriteFile(gitignore, []byte(content), 0o644)
}
