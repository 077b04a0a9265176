package modulecmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// BookPathFlag is appended to every invocation unless already present.
const BookPathFlag = "--book-path"

// Module lists the commands one generator module accepts. Command names use
// underscores.
type Module struct {
	Name     string
	Commands []string
}

// Has reports whether command (dashes or underscores) belongs to the module.
func (m Module) Has(command string) bool {
	command = normalizeCommand(command)
	for _, candidate := range m.Commands {
		if candidate == command {
			return true
		}
	}
	return false
}

// Invocation is a validated module command ready for a Handler.
type Invocation struct {
	Module  string
	Command string
	Args    []string
}

// CLIName returns the command with dashes, as typed on a command line.
func (inv Invocation) CLIName() string {
	return strings.ReplaceAll(inv.Command, "_", "-")
}

// Handler performs a validated invocation.
type Handler interface {
	Handle(ctx context.Context, inv Invocation, sink Sink) error
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc func(ctx context.Context, inv Invocation, sink Sink) error

// Handle executes f.
func (f HandlerFunc) Handle(ctx context.Context, inv Invocation, sink Sink) error {
	return f(ctx, inv, sink)
}

// DefaultModules returns the story generator modules and their commands.
func DefaultModules() []Module {
	return []Module{
		{Name: "iterate", Commands: []string{
			"check_names", "fix_name", "refine_motivation", "strengthen_argument",
			"insert_chapter", "add_flashback", "split_chapter", "check_consistency",
		}},
		{Name: "outline", Commands: []string{
			"general_outline", "character_summary", "plot_points", "chapter_synopsis",
		}},
		{Name: "worldbuilding", Commands: []string{
			"geography", "history", "culture", "magic_system", "technology",
		}},
		{Name: "chapters", Commands: []string{
			"chapter", "cover", "back_cover", "epilogue",
		}},
		{Name: "publish", Commands: []string{"pdf"}},
	}
}

// Dispatcher validates commands against the registered modules and forwards
// them to a Handler. It implements Runner.
type Dispatcher struct {
	mu      sync.RWMutex
	modules map[string]Module
	handler Handler
}

// NewDispatcher returns a dispatcher with no modules registered.
func NewDispatcher(handler Handler) *Dispatcher {
	return &Dispatcher{modules: map[string]Module{}, handler: handler}
}

// NewDefaultDispatcher registers DefaultModules.
func NewDefaultDispatcher(handler Handler) *Dispatcher {
	d := NewDispatcher(handler)
	for _, m := range DefaultModules() {
		d.MustRegister(m)
	}
	return d
}

// Register installs a module. Returns an error if the name already exists.
func (d *Dispatcher) Register(m Module) error {
	name := strings.ToLower(strings.TrimSpace(m.Name))
	if name == "" {
		return fmt.Errorf("modulecmd: module name is required")
	}
	if len(m.Commands) == 0 {
		return fmt.Errorf("modulecmd: module %s has no commands", name)
	}
	commands := make([]string, len(m.Commands))
	for i, c := range m.Commands {
		commands[i] = normalizeCommand(c)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.modules[name]; exists {
		return fmt.Errorf("modulecmd: %s already registered", name)
	}
	d.modules[name] = Module{Name: name, Commands: commands}
	return nil
}

// MustRegister panics if registration fails.
func (d *Dispatcher) MustRegister(m Module) {
	if err := d.Register(m); err != nil {
		panic(err)
	}
}

// Modules returns the registered modules sorted by name.
func (d *Dispatcher) Modules() []Module {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Module, 0, len(d.modules))
	for _, m := range d.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve validates cmd and builds the invocation for projectDir.
func (d *Dispatcher) Resolve(cmd Command, projectDir string) (Invocation, error) {
	if cmd.Name == "" || len(cmd.Args) == 0 {
		return Invocation{}, Errorf("usage: !<module> <command> [args]")
	}
	name := strings.ToLower(cmd.Name)
	d.mu.RLock()
	m, ok := d.modules[name]
	d.mu.RUnlock()
	if !ok {
		return Invocation{}, Errorf("unknown module %q", cmd.Name)
	}
	command := normalizeCommand(cmd.Args[0])
	if !m.Has(command) {
		return Invocation{}, Errorf("command %q not found in module %q", command, name)
	}
	args := append([]string(nil), cmd.Args[1:]...)
	if projectDir != "" && !contains(args, BookPathFlag) {
		args = append(args, BookPathFlag, projectDir)
	}
	return Invocation{Module: name, Command: command, Args: args}, nil
}

// Run resolves cmd and hands it to the handler.
func (d *Dispatcher) Run(ctx context.Context, cmd Command, sink Sink, projectDir string) error {
	inv, err := d.Resolve(cmd, projectDir)
	if err != nil {
		return err
	}
	if d.handler == nil {
		return fmt.Errorf("modulecmd: no handler configured")
	}
	fmt.Fprintf(sink.stdout(), "Running %s.%s...\n", inv.Module, inv.Command)
	return d.handler.Handle(ctx, inv, sink)
}

func normalizeCommand(command string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(command)), "-", "_")
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
