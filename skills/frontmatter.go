package skills

import (
	"bufio"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Frontmatter is the YAML header of a SKILL.md file. Name doubles as the
// tool name when Tool is empty.
type Frontmatter struct {
	Name        string   `yaml:"name"`
	Tool        string   `yaml:"tool"`
	Description string   `yaml:"description"`
	Methods     []Method `yaml:"methods"`
}

// ParseFrontmatter reads YAML between a leading --- ... --- pair. ok is false
// when the document has no frontmatter block.
func ParseFrontmatter(contents string) (fm Frontmatter, ok bool, err error) {
	sc := bufio.NewScanner(strings.NewReader(contents))
	if !sc.Scan() {
		return Frontmatter{}, false, nil
	}
	if strings.TrimSpace(sc.Text()) != "---" {
		return Frontmatter{}, false, nil
	}

	var yamlLines []string
	foundEnd := false
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "---" {
			foundEnd = true
			break
		}
		yamlLines = append(yamlLines, line)
	}
	if err := sc.Err(); err != nil {
		return Frontmatter{}, false, err
	}
	if !foundEnd {
		return Frontmatter{}, false, nil
	}

	if err := yaml.Unmarshal([]byte(strings.Join(yamlLines, "\n")), &fm); err != nil {
		return Frontmatter{}, true, fmt.Errorf("parse frontmatter: %w", err)
	}
	fm.Name = strings.TrimSpace(fm.Name)
	fm.Tool = strings.TrimSpace(fm.Tool)
	return fm, true, nil
}

func (fm Frontmatter) Manifest() Manifest {
	tool := fm.Tool
	if tool == "" {
		tool = fm.Name
	}
	return Manifest{
		ToolName:    tool,
		Description: strings.TrimSpace(fm.Description),
		Methods:     fm.Methods,
	}
}
