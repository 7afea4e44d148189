package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/labclaw/internal/policy"
)

// maxSkillMDSize is the maximum allowed size for a SKILL.md file (1 MiB).
const maxSkillMDSize = 1 << 20

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Capability  string `yaml:"capability"`
	Language    string `yaml:"language"`
}

// ParseDocument parses a SKILL.md file: YAML frontmatter between --- lines
// followed by markdown guidance.
func ParseDocument(data []byte) (Descriptor, error) {
	yamlBytes, body, err := extractFrontmatter(data)
	if err != nil {
		return Descriptor{}, err
	}
	if yamlBytes == nil {
		return Descriptor{}, errors.New("missing frontmatter")
	}
	var fm frontmatter
	if err := yaml.Unmarshal(yamlBytes, &fm); err != nil {
		return Descriptor{}, fmt.Errorf("parse frontmatter yaml: %w", err)
	}
	name := strings.TrimSpace(fm.Name)
	if name == "" {
		return Descriptor{}, errors.New("missing skill name")
	}
	if !validSkillName.MatchString(name) {
		return Descriptor{}, fmt.Errorf("invalid skill name %q", name)
	}
	capability, err := ParseCapability(fm.Capability)
	if err != nil {
		return Descriptor{}, err
	}
	d := Descriptor{
		Name:        name,
		Description: strings.TrimSpace(fm.Description),
		Type:        TypeDocument,
		Capability:  capability,
		Source:      SourceDocument,
		Guidance:    strings.TrimSpace(body),
		Enabled:     true,
	}
	if strings.TrimSpace(fm.Language) != "" {
		lang, err := policy.ParseLanguage(fm.Language)
		if err != nil {
			return Descriptor{}, err
		}
		d.Language = lang
	}
	return d, nil
}

func extractFrontmatter(data []byte) (yamlBytes []byte, markdownBody string, err error) {
	s := string(data)
	first, rest, found := strings.Cut(s, "\n")
	if strings.TrimSpace(strings.TrimSuffix(first, "\r")) != "---" {
		return nil, s, nil
	}
	if !found {
		return nil, "", errors.New("unclosed frontmatter: opening --- found but no closing ---")
	}
	offset := 0
	for offset <= len(rest) {
		line, _, more := strings.Cut(rest[offset:], "\n")
		next := offset + len(line) + 1
		if strings.TrimSpace(strings.TrimSuffix(line, "\r")) == "---" {
			if next > len(rest) {
				next = len(rest)
			}
			return []byte(rest[:offset]), rest[next:], nil
		}
		if !more {
			break
		}
		offset = next
	}
	return nil, "", errors.New("unclosed frontmatter: opening --- found but no closing ---")
}

// LoadDocuments scans each dir for <dir>/<skill>/SKILL.md. Earlier dirs win
// on duplicate names. Files that cannot be parsed are skipped; their
// problems are logged and returned joined so callers can surface them.
func LoadDocuments(ctx context.Context, dirs []string, logger *slog.Logger) ([]Descriptor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	seen := make(map[string]string)
	var out []Descriptor
	var warnings []error

	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if strings.TrimSpace(dir) == "" {
			continue
		}
		base, err := filepath.Abs(dir)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("abs skills dir (%s): %w", dir, err))
			continue
		}
		entries, err := os.ReadDir(base)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			warnings = append(warnings, fmt.Errorf("read skills dir (%s): %w", base, err))
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, ent := range entries {
			if !ent.IsDir() {
				if ent.Type()&os.ModeSymlink != 0 {
					logger.Warn("skills: symlinked skill directory ignored", "name", ent.Name(), "dir", base)
				}
				continue
			}
			path := filepath.Join(base, ent.Name(), "SKILL.md")
			d, err := loadDocument(path)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				logger.Warn("skills: skipping malformed skill document", "path", path, "error", err)
				warnings = append(warnings, fmt.Errorf("%s: %w", path, err))
				continue
			}
			key := CanonicalSkillKey(d.Name)
			if winner, ok := seen[key]; ok {
				logger.Info("skills: duplicate document skill skipped", "skill", d.Name, "winner", winner, "skipped", path)
				continue
			}
			seen[key] = path
			out = append(out, d)
		}
	}
	return out, errors.Join(warnings...)
}

func loadDocument(path string) (Descriptor, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Descriptor{}, err
	}
	if fi.Size() > maxSkillMDSize {
		return Descriptor{}, fmt.Errorf("SKILL.md too large: %d bytes (max %d)", fi.Size(), maxSkillMDSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read SKILL.md: %w", err)
	}
	d, err := ParseDocument(data)
	if err != nil {
		return Descriptor{}, err
	}
	d.Location = path
	return d, nil
}
