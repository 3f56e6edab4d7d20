package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DiscoverDataDir resolves a relative data directory by walking up from
// startDir until a directory with that name exists. When none is found the
// path is resolved against startDir. Absolute paths are returned unchanged.
func DiscoverDataDir(startDir, dataDir string) (string, error) {
	if filepath.IsAbs(dataDir) {
		return dataDir, nil
	}
	current := startDir
	if current == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		current = cwd
	}
	current, err := filepath.Abs(current)
	if err != nil {
		return "", err
	}
	fallback := filepath.Join(current, dataDir)

	for {
		candidate := filepath.Join(current, dataDir)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return fallback, nil
		}
		current = parent
	}
}

// InitDataDir creates the data directory layout.
func InitDataDir(dir string) error {
	for _, sub := range []string{"", "journals", "rsvps"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("init data dir: %w", err)
		}
	}
	EnsureGitignore(dir)
	return nil
}

// EnsureGitignore keeps secrets and the sqlite outbox out of version control.
func EnsureGitignore(dir string) {
	gitignore := filepath.Join(dir, ".gitignore")
	entries := []string{"*.db", "*.db-wal", "*.db-shm", "*.key", ".env"}

	data, err := os.ReadFile(gitignore)
	if err != nil {
		_ = os.WriteFile(gitignore, []byte(strings.Join(entries, "\n")+"\n"), 0o644)
		return
	}
	content := string(data)

	lines := map[string]bool{}
	for _, line := range strings.Split(content, "\n") {
		lines[strings.TrimSpace(line)] = true
	}
	var missing []string
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
