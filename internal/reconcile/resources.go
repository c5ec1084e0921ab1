package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/jveski/fleetpull/internal/atomicfile"
	"github.com/jveski/fleetpull/internal/command"
	"github.com/jveski/fleetpull/internal/secrets"
)

const DefaultGroup = "default"

// Env is what resources may use while checking and applying.
type Env struct {
	Secrets *secrets.Values
	Runner  command.Runner
}

// Change is one delta between the observed and the target state.
type Change struct {
	Action string // create, update, chmod, remove, run
	Target string

	content []byte
}

func (c Change) String() string { return c.Action + " " + c.Target }

// Resource is implemented by every kind of managed resource. Check observes the machine
// and returns the changes needed to reach the target; an empty plan means converged.
// Apply performs the changes and returns how many were applied, even on error.
type Resource interface {
	ID() string
	Kind() string
	Group() string
	Requires() []string
	Check(ctx context.Context, env *Env) ([]Change, error)
	Apply(ctx context.Context, env *Env, plan []Change) (int, error)
}

type base struct {
	kind, name, group string
	requires          []string
}

func (b *base) ID() string         { return b.kind + "." + b.name }
func (b *base) Kind() string       { return b.kind }
func (b *base) Group() string      { return b.group }
func (b *base) Requires() []string { return b.requires }

// File manages the content and mode of a single file.
type File struct {
	base
	Path    string
	Content string
	Mode    os.FileMode
}

func (f *File) Check(ctx context.Context, env *Env) ([]Change, error) {
	content, err := render(f.ID(), f.Content, env, nil)
	if err != nil {
		return nil, err
	}
	return checkFile(f.Path, content, f.Mode)
}

func (f *File) Apply(ctx context.Context, env *Env, plan []Change) (int, error) {
	return applyFileChanges(plan, f.Mode)
}

// Directory makes sure a directory exists with the given mode.
type Directory struct {
	base
	Path string
	Mode os.FileMode
}

func (d *Directory) Check(ctx context.Context, env *Env) ([]Change, error) {
	info, err := os.Stat(d.Path)
	if errors.Is(err, os.ErrNotExist) {
		return []Change{{Action: "create", Target: d.Path}}, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s exists and is not a directory", d.Path)
	}
	if info.Mode().Perm() != d.Mode {
		return []Change{{Action: "chmod", Target: d.Path}}, nil
	}
	return nil, nil
}

func (d *Directory) Apply(ctx context.Context, env *Env, plan []Change) (int, error) {
	for i, c := range plan {
		if c.Action == "create" {
			if err := os.MkdirAll(c.Target, d.Mode); err != nil {
				return i, err
			}
		}
		if err := os.Chmod(c.Target, d.Mode); err != nil {
			return i, err
		}
	}
	return len(plan), nil
}

// Replicas converges a directory to exactly Count instance files named <name>-<index>.
// Instances that already match are left untouched.
type Replicas struct {
	base
	Dir     string
	Count   int
	Content string
	Mode    os.FileMode
}

func (r *Replicas) instancePath(i int) string {
	return filepath.Join(r.Dir, r.name+"-"+strconv.Itoa(i))
}

func (r *Replicas) Check(ctx context.Context, env *Env) ([]Change, error) {
	plan := []Change{}
	for i := 1; i <= r.Count; i++ {
		content, err := render(r.ID(), r.Content, env, map[string]any{"Index": i, "Name": r.name})
		if err != nil {
			return nil, err
		}
		changes, err := checkFile(r.instancePath(i), content, r.Mode)
		if err != nil {
			return nil, err
		}
		plan = append(plan, changes...)
	}

	existing, err := r.existingIndexes()
	if err != nil {
		return nil, err
	}
	for _, i := range existing {
		if i > r.Count {
			plan = append(plan, Change{Action: "remove", Target: r.instancePath(i)})
		}
	}
	return plan, nil
}

func (r *Replicas) existingIndexes() ([]int, error) {
	entries, err := os.ReadDir(r.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	list := []int{}
	prefix := r.name + "-"
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		i, err := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix))
		if err != nil || i < 1 {
			continue // not ours
		}
		list = append(list, i)
	}
	sort.Ints(list)
	return list, nil
}

func (r *Replicas) Apply(ctx context.Context, env *Env, plan []Change) (int, error) {
	if err := os.MkdirAll(r.Dir, 0755); err != nil {
		return 0, err
	}
	return applyFileChanges(plan, r.Mode)
}

// Command runs a command unless its guard says the machine is already converged:
// Creates names a path that exists after a successful run, Unless is a command that
// succeeds when nothing needs to be done.
type Command struct {
	base
	Argv    []string
	Creates string
	Unless  []string
}

func (c *Command) Check(ctx context.Context, env *Env) ([]Change, error) {
	if c.Creates != "" {
		if _, err := os.Stat(c.Creates); err == nil {
			return nil, nil
		}
	}
	if len(c.Unless) > 0 {
		if _, err := env.Runner.Run(ctx, c.Unless); err == nil {
			return nil, nil
		}
	}
	return []Change{{Action: "run", Target: strings.Join(c.Argv, " ")}}, nil
}

func (c *Command) Apply(ctx context.Context, env *Env, plan []Change) (int, error) {
	if len(plan) == 0 {
		return 0, nil
	}
	if _, err := env.Runner.Run(ctx, c.Argv); err != nil {
		return 0, err
	}
	return 1, nil
}

func checkFile(path string, content []byte, mode os.FileMode) ([]Change, error) {
	current, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return []Change{{Action: "create", Target: path, content: content}}, nil
	}
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(current, content) {
		return []Change{{Action: "update", Target: path, content: content}}, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm() != mode {
		return []Change{{Action: "chmod", Target: path}}, nil
	}
	return nil, nil
}

func applyFileChanges(plan []Change, mode os.FileMode) (int, error) {
	for i, c := range plan {
		var err error
		switch c.Action {
		case "create", "update":
			if err = os.MkdirAll(filepath.Dir(c.Target), 0755); err == nil {
				err = atomicfile.Write(c.Target, c.content, mode)
			}
		case "chmod":
			err = os.Chmod(c.Target, mode)
		case "remove":
			err = os.Remove(c.Target)
			if errors.Is(err, os.ErrNotExist) {
				err = nil
			}
		default:
			err = fmt.Errorf("unsupported action %q", c.Action)
		}
		if err != nil {
			return i, fmt.Errorf("%s: %w", c, err)
		}
	}
	return len(plan), nil
}

// render executes a content template. Templates can read secrets with {{ secret "name" }}.
func render(id, text string, env *Env, data map[string]any) ([]byte, error) {
	if !strings.Contains(text, "{{") {
		return []byte(text), nil
	}

	tmpl, err := template.New(id).Option("missingkey=error").Funcs(template.FuncMap{
		"secret": func(name string) (string, error) {
			val, ok := env.Secrets.Lookup(name)
			if !ok {
				return "", fmt.Errorf("secret %q is not defined in the bundle", name)
			}
			return val, nil
		},
	}).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing template: %w", err)
	}

	buf := &bytes.Buffer{}
	if err := tmpl.Execute(buf, data); err != nil {
		return nil, fmt.Errorf("rendering template: %w", err)
	}
	return buf.Bytes(), nil
}
