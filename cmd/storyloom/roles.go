package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/kingrea/storyloom/internal/roles"
)

const rolesUsage = `Usage:
  storyloom roles list [--json]
  storyloom roles seed [--force] [--language <code>]
  storyloom roles validate [path...]
`

func runRoles(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, rolesUsage)
		return usageErrorf("missing roles subcommand")
	}
	switch args[0] {
	case "list":
		return runRolesList(args[1:], stdout, stderr)
	case "seed":
		return runRolesSeed(args[1:], stdout, stderr)
	case "validate":
		return runRolesValidate(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, rolesUsage)
		return nil
	default:
		fmt.Fprint(stderr, rolesUsage)
		return usageErrorf("unknown roles subcommand %q", args[0])
	}
}

func runRolesList(args []string, stdout, stderr io.Writer) error {
	fs, projectFlag := newFlagSet("roles list", stderr)
	asJSON := fs.Bool("json", false, "print roles as a JSON array")
	if done, err := parseFlags(fs, args); done {
		return err
	}
	cfg, err := loadConfig(*projectFlag)
	if err != nil {
		return err
	}
	set, err := roles.LoadRoles(cfg.ProjectDir)
	if err != nil {
		return err
	}
	list := roles.NewCatalog(set).List()
	if *asJSON {
		if list == nil {
			list = []roles.Role{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}
	if len(list) == 0 {
		fmt.Fprintf(stdout, "No roles in %s; run 'storyloom roles seed'.\n", roles.Dir(cfg.ProjectDir))
		return nil
	}
	for _, role := range list {
		fmt.Fprintf(stdout, "%-14s %-20s %s\n", role.Slug, role.Name, strings.Join(role.CommandWhitelist, ", "))
	}
	return nil
}

func runRolesSeed(args []string, stdout, stderr io.Writer) error {
	fs, projectFlag := newFlagSet("roles seed", stderr)
	force := fs.Bool("force", false, "overwrite existing definitions of the default roles")
	lang := fs.String("language", "", "catalog language (default: language from config.yaml); one of "+strings.Join(roles.DefaultLanguages(), ", "))
	if done, err := parseFlags(fs, args); done {
		return err
	}
	if fs.NArg() > 0 {
		return usageErrorf("unexpected argument: %s", fs.Arg(0))
	}
	cfg, err := loadConfig(*projectFlag)
	if err != nil {
		return err
	}
	language := strings.TrimSpace(*lang)
	if language == "" {
		language = cfg.Language()
	}
	written, err := roles.SeedDefaultRoles(cfg.ProjectDir, language, *force)
	for _, path := range written {
		fmt.Fprintf(stdout, "wrote %s\n", path)
	}
	if err != nil {
		return err
	}
	if len(written) == 0 {
		fmt.Fprintln(stdout, "Default roles already present; use --force to overwrite.")
	}
	return nil
}

// runRolesValidate checks the given files, or the whole role directory when
// none are named.
func runRolesValidate(args []string, stdout, stderr io.Writer) error {
	fs, projectFlag := newFlagSet("roles validate", stderr)
	if done, err := parseFlags(fs, args); done {
		return err
	}
	paths := fs.Args()
	if len(paths) == 0 {
		cfg, err := loadConfig(*projectFlag)
		if err != nil {
			return err
		}
		set, err := roles.LoadRoles(cfg.ProjectDir)
		if err != nil {
			fmt.Fprintf(stdout, "Invalid: %s\n- %v\n", roles.Dir(cfg.ProjectDir), err)
			return errSilent
		}
		fmt.Fprintf(stdout, "OK: %s (%d roles)\n", roles.Dir(cfg.ProjectDir), len(set))
		return nil
	}
	failed := 0
	for _, path := range paths {
		file, err := roles.LoadFile(path)
		if err != nil {
			failed++
			fmt.Fprintf(stdout, "Invalid: %s\n- %v\n", path, err)
			continue
		}
		fmt.Fprintf(stdout, "OK: %s (%s)\n", file.Path, file.Role.Slug)
	}
	if failed > 0 {
		return errSilent
	}
	return nil
}
