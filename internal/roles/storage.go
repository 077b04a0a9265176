package roles

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/storyloom/internal/config"
)

const (
	// DirName is the role directory inside the project state dir.
	DirName = "subagents"
	// LogsDirName holds per-role job logs inside DirName.
	LogsDirName = "logs"
)

// RoleFile pairs a parsed role with its on-disk source.
type RoleFile struct {
	Role Role
	Path string
}

// roleDocument is the on-disk schema. Temperature is a pointer so an omitted
// value can default to 0.2 while an explicit 0 is kept.
type roleDocument struct {
	Slug             string   `json:"slug" yaml:"slug"`
	Name             string   `json:"name,omitempty" yaml:"name,omitempty"`
	Description      string   `json:"description,omitempty" yaml:"description,omitempty"`
	CommandWhitelist []string `json:"command_whitelist" yaml:"command_whitelist"`
	SystemPrompt     string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Language         string   `json:"language,omitempty" yaml:"language,omitempty"`
	Persona          string   `json:"persona,omitempty" yaml:"persona,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

func (d roleDocument) role() Role {
	temp := DefaultTemperature
	if d.Temperature != nil {
		temp = *d.Temperature
	}
	return Role{
		Slug:             d.Slug,
		Name:             d.Name,
		Description:      d.Description,
		CommandWhitelist: d.CommandWhitelist,
		SystemPrompt:     d.SystemPrompt,
		Language:         d.Language,
		Persona:          d.Persona,
		Temperature:      temp,
	}
}

func documentFor(role Role) roleDocument {
	temp := role.Temperature
	return roleDocument{
		Slug:             role.Slug,
		Name:             role.Name,
		Description:      role.Description,
		CommandWhitelist: role.CommandWhitelist,
		SystemPrompt:     role.SystemPrompt,
		Language:         role.Language,
		Persona:          role.Persona,
		Temperature:      &temp,
	}
}

// Dir returns the role directory for a project.
func Dir(projectDir string) string {
	return filepath.Join(projectDir, config.ProjectDirName, DirName)
}

// LogsDir returns the per-role job log root for a project.
func LogsDir(projectDir string) string {
	return filepath.Join(Dir(projectDir), LogsDirName)
}

// LoadRoles reads every role definition for the project, creating the role
// directory when it is missing. Duplicate slugs are an error.
func LoadRoles(projectDir string) (map[string]Role, error) {
	dir := Dir(projectDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("roles: ensure %s: %w", dir, err)
	}
	files, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	loaded := make(map[string]Role, len(files))
	sources := make(map[string]string, len(files))
	for _, file := range files {
		slug := file.Role.Slug
		if existing, ok := sources[slug]; ok {
			return nil, fmt.Errorf("roles: duplicate slug %s (%s and %s)", slug, existing, file.Path)
		}
		sources[slug] = file.Path
		loaded[slug] = file.Role
	}
	return loaded, nil
}

// ParseRole decodes and validates one definition. ext selects the decoder:
// ".json"/".jsonc" accept comments and trailing commas, anything else is YAML.
func ParseRole(data []byte, ext string) (Role, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Role{}, fmt.Errorf("roles: definition payload is empty")
	}
	var doc roleDocument
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
			return Role{}, fmt.Errorf("roles: decode definition: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Role{}, fmt.Errorf("roles: decode definition: %w", err)
		}
	}
	role := doc.role()
	if err := role.Validate(); err != nil {
		return Role{}, err
	}
	return role.Normalized(), nil
}

// LoadFile reads a single-role definition file from disk.
func LoadFile(path string) (RoleFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return RoleFile{}, fmt.Errorf("roles: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return RoleFile{}, fmt.Errorf("roles: %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RoleFile{}, fmt.Errorf("roles: read %s: %w", path, err)
	}
	role, err := ParseRole(data, filepath.Ext(path))
	if err != nil {
		return RoleFile{}, fmt.Errorf("roles: %s: %w", path, err)
	}
	return RoleFile{Role: role, Path: filepath.Clean(path)}, nil
}

// LoadDir scans dir for YAML, JSON, and Go role definitions. Missing
// directories are treated as "no roles".
func LoadDir(dir string) ([]RoleFile, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("roles: read %s: %w", trimmed, err)
	}
	var files []RoleFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !isDefinitionFile(name) {
			continue
		}
		file, err := LoadFile(filepath.Join(trimmed, name))
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	scripted, err := LoadGoDir(trimmed)
	if err != nil {
		return nil, err
	}
	files = append(files, scripted...)
	if len(files) == 0 {
		return nil, nil
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// WriteRole stores role as YAML at path.
func WriteRole(path string, role Role) error {
	if err := role.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(documentFor(role.Normalized()))
	if err != nil {
		return fmt.Errorf("roles: encode %s: %w", role.Slug, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("roles: ensure %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("roles: write %s: %w", path, err)
	}
	return nil
}

// SeedDefaultRoles writes the built-in catalog for lang (English fallback)
// into the project's role directory and returns the files actually written.
// A default is skipped when any definition in the directory, scripted ones
// included, already declares its slug, or when <slug>.yaml is taken, unless
// force is set. Forcing removes every other file defining that slug so the
// reload does not see duplicates; a script that also defines non-default
// roles is left alone and reported as an error before anything is written.
func SeedDefaultRoles(projectDir, lang string, force bool) ([]string, error) {
	dir := Dir(projectDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("roles: ensure %s: %w", dir, err)
	}
	files, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	definedBy := map[string][]string{}
	slugsIn := map[string][]string{}
	for _, file := range files {
		source := sourceFile(file.Path)
		definedBy[file.Role.Slug] = append(definedBy[file.Role.Slug], source)
		slugsIn[source] = append(slugsIn[source], file.Role.Slug)
	}
	defaults := DefaultRoles(lang)
	seeding := make(map[string]bool, len(defaults))
	for _, role := range defaults {
		seeding[role.Slug] = true
	}

	type seed struct {
		role    Role
		target  string
		replace []string
	}
	var plan []seed
	for _, role := range defaults {
		target := filepath.Join(dir, role.Slug+".yaml")
		if !force && (len(definedBy[role.Slug]) > 0 || fileExists(target)) {
			continue
		}
		for _, source := range append([]string{target}, definedBy[role.Slug]...) {
			for _, other := range slugsIn[source] {
				if !seeding[other] {
					return nil, fmt.Errorf("roles: %s also defines %s; move it before reseeding %s", source, other, role.Slug)
				}
			}
		}
		var replace []string
		for _, source := range definedBy[role.Slug] {
			if source != target {
				replace = append(replace, source)
			}
		}
		plan = append(plan, seed{role: role, target: target, replace: replace})
	}

	var written []string
	for _, step := range plan {
		for _, path := range step.replace {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return written, fmt.Errorf("roles: replace %s: %w", path, err)
			}
		}
		if err := WriteRole(step.target, step.role); err != nil {
			return written, err
		}
		written = append(written, step.target)
	}
	return written, nil
}

// sourceFile strips the "#N" suffix LoadGoDir adds to scripted role paths.
func sourceFile(path string) string {
	if i := strings.LastIndex(path, "#"); i >= 0 && strings.HasSuffix(path[:i], ".go") {
		return path[:i]
	}
	return path
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(strings.TrimSpace(name))) {
	case ".yaml", ".yml", ".json", ".jsonc":
		return true
	default:
		return false
	}
}
