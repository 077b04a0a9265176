package roles

import (
	"os"
	"path/filepath"
	"testing"
)

const goRoleSource = `package main

import "storyloom/roles"

func Roles() []roles.Role {
	reader := roles.Define("Beta-Reader", "Beta Reader", "!Chapters")
	reader.Persona = "Honest first reader."
	return []roles.Role{reader}
}`

const failingRoleSource = `package main

import (
	"errors"

	"storyloom/roles"
)

func Roles() ([]roles.Role, error) {
	return nil, errors.New("catalog offline")
}`

func TestLoadGoDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "beta.go"), []byte(goRoleSource), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	files, err := LoadGoDir(dir)
	if err != nil {
		t.Fatalf("load go roles: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 role, got %d", len(files))
	}
	role := files[0].Role
	if role.Slug != "beta-reader" || !role.Allows("!chapters") {
		t.Fatalf("unexpected role: %+v", role)
	}
	if role.Temperature != DefaultTemperature || role.Language != DefaultLanguage {
		t.Fatalf("expected defaults from Define, got %+v", role)
	}
	if role.Persona != "Honest first reader." {
		t.Fatalf("script field assignment lost: %+v", role)
	}
	if filepath.Base(files[0].Path) != "beta.go#1" {
		t.Fatalf("unexpected source path %s", files[0].Path)
	}
}

func TestLoadGoDirMissingFunc(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write broken script: %v", err)
	}
	if _, err := LoadGoDir(dir); err == nil {
		t.Fatalf("expected error for missing Roles function")
	}
}

func TestLoadGoDirScriptErrors(t *testing.T) {
	for name, src := range map[string]string{
		"failing.go": failingRoleSource,
		"invalid.go": "package main\n\nimport \"storyloom/roles\"\n\nfunc Roles() []roles.Role {\n\treturn []roles.Role{roles.Define(\"bad slug\", \"Bad\")}\n}\n",
		"wrong.go":   "package main\n\nfunc Roles() []string { return nil }\n",
	} {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if _, err := LoadGoDir(dir); err == nil {
			t.Fatalf("%s: expected load error", name)
		}
	}
	if _, err := LoadGoDir(filepath.Join(t.TempDir(), "missing")); err != nil {
		t.Fatalf("missing dir should have no roles: %v", err)
	}
}

func TestLoadRolesMergesScriptedRoles(t *testing.T) {
	projectDir := t.TempDir()
	if _, err := SeedDefaultRoles(projectDir, "en", false); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(Dir(projectDir), "beta.go"), []byte(goRoleSource), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	loaded, err := LoadRoles(projectDir)
	if err != nil {
		t.Fatalf("load roles: %v", err)
	}
	if len(loaded) != 5 {
		t.Fatalf("expected 5 roles, got %d", len(loaded))
	}
	if _, ok := loaded["beta-reader"]; !ok {
		t.Fatalf("scripted role missing from %v", loaded)
	}
}
