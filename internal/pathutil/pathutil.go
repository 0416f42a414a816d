package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// StateDirEnv overrides the default state directory (~/.airlock).
const StateDirEnv = "AIRLOCK_HOME"

func ExpandHomePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return filepath.Clean(p)
		}
		if p == "~" {
			return filepath.Clean(home)
		}
		return filepath.Clean(filepath.Join(home, strings.TrimPrefix(p, "~/")))
	}
	return filepath.Clean(p)
}

// StateDir is where the daemon keeps its database, skills and config.
func StateDir() string {
	if v := strings.TrimSpace(os.Getenv(StateDirEnv)); v != "" {
		return ExpandHomePath(v)
	}
	return ExpandHomePath("~/.airlock")
}

// StatePath joins elem onto StateDir.
func StatePath(elem ...string) string {
	return filepath.Join(append([]string{StateDir()}, elem...)...)
}
