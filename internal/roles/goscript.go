package roles

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// ScriptFunc is the function a Go role script must define. It returns
// []roles.Role, optionally with an error:
//
//	package main
//
//	import "storyloom/roles"
//
//	func Roles() []roles.Role {
//		r := roles.Define("beta-reader", "Beta Reader", "!chapters")
//		r.Persona = "Honest first reader."
//		return []roles.Role{r}
//	}
const ScriptFunc = "Roles"

// scriptSymbols is the package scripts import as "storyloom/roles".
var scriptSymbols = interp.Exports{
	"storyloom/roles/roles": {
		"Role":   reflect.ValueOf((*Role)(nil)),
		"Define": reflect.ValueOf(Define),
	},
}

// Define returns a role with the file-format defaults applied, for scripts
// that build roles in code.
func Define(slug, name string, commands ...string) Role {
	return Role{
		Slug:             slug,
		Name:             name,
		CommandWhitelist: commands,
		Language:         DefaultLanguage,
		Temperature:      DefaultTemperature,
	}
}

// LoadGoDir interprets every .go file in dir with yaegi and collects the
// roles each one returns. A missing dir has no roles.
func LoadGoDir(dir string) ([]RoleFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("roles: read %s: %w", dir, err)
	}
	var files []RoleFile
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".go" {
			continue
		}
		scripted, err := runScript(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, scripted...)
	}
	return files, nil
}

func runScript(path string) ([]RoleFile, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("roles: script stdlib: %w", err)
	}
	if err := i.Use(scriptSymbols); err != nil {
		return nil, fmt.Errorf("roles: script symbols: %w", err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("roles: interpret %s: %w", path, err)
	}
	fn, err := i.Eval(ScriptFunc)
	if err != nil {
		return nil, fmt.Errorf("roles: %s must define func %s() []roles.Role: %w", path, ScriptFunc, err)
	}
	defined, err := callScript(fn)
	if err != nil {
		return nil, fmt.Errorf("roles: %s: %w", path, err)
	}
	files := make([]RoleFile, 0, len(defined))
	for idx, role := range defined {
		if err := role.Validate(); err != nil {
			return nil, fmt.Errorf("roles: %s role[%d]: %w", path, idx, err)
		}
		files = append(files, RoleFile{Role: role.Normalized(), Path: fmt.Sprintf("%s#%d", path, idx+1)})
	}
	return files, nil
}

func callScript(fn reflect.Value) ([]Role, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", ScriptFunc)
	}
	if fn.Type().NumIn() != 0 {
		return nil, fmt.Errorf("%s must take no arguments", ScriptFunc)
	}
	out := fn.Call(nil)
	switch len(out) {
	case 1:
	case 2:
		if !out[1].IsNil() {
			err, ok := out[1].Interface().(error)
			if !ok {
				return nil, fmt.Errorf("%s returned a non-error second value", ScriptFunc)
			}
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%s must return []roles.Role or ([]roles.Role, error)", ScriptFunc)
	}
	defined, ok := out[0].Interface().([]Role)
	if !ok {
		return nil, fmt.Errorf("%s returned %s, want []roles.Role", ScriptFunc, out[0].Type())
	}
	return defined, nil
}
