package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const skillFileName = "SKILL.md"

// LoadDir reads manifests from dir: top-level *.yaml / *.yml files hold one
// Manifest each, and every subdirectory with a SKILL.md contributes the
// manifest in its frontmatter. A missing dir yields no manifests.
func LoadDir(dir string) ([]Manifest, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []Manifest
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() {
			m, ok, err := loadSkillFile(filepath.Join(path, skillFileName))
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, m)
			}
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			m, err := loadManifestFile(path)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
	}
	return out, nil
}

func loadManifestFile(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	m.Source = path
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func loadSkillFile(path string) (Manifest, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, false, nil
		}
		return Manifest{}, false, err
	}
	fm, ok, err := ParseFrontmatter(string(raw))
	if err != nil {
		return Manifest{}, false, fmt.Errorf("%s: %w", path, err)
	}
	if !ok || len(fm.Methods) == 0 {
		// Plain skills without methods are prompt-only and carry no risk surface.
		return Manifest{}, false, nil
	}
	m := fm.Manifest()
	m.Source = path
	if err := m.Validate(); err != nil {
		return Manifest{}, false, err
	}
	return m, true, nil
}
