package reconcile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jveski/fleetpull/internal/failure"
)

// Document is one immutable snapshot of the desired state.
type Document struct {
	Revision  string
	Secrets   string // bundle path relative to the checkout, empty for the default
	Resources []Resource
}

type rawDocument struct {
	Secrets   string  `toml:"secrets" yaml:"secrets"`
	Resources []*Spec `toml:"resource" yaml:"resources"`
}

// Spec is the serialized form of a resource. Kind selects which fields apply.
type Spec struct {
	Kind     string   `toml:"kind" yaml:"kind"`
	Name     string   `toml:"name" yaml:"name"`
	Group    string   `toml:"group" yaml:"group"`
	Requires []string `toml:"requires" yaml:"requires"`

	Path    string `toml:"path" yaml:"path"`       // file, directory
	Dir     string `toml:"dir" yaml:"dir"`         // replicas
	Count   int    `toml:"count" yaml:"count"`     // replicas
	Content string `toml:"content" yaml:"content"` // file, replicas
	Mode    string `toml:"mode" yaml:"mode"`       // octal

	Command []string `toml:"command" yaml:"command"`
	Creates string   `toml:"creates" yaml:"creates"`
	Unless  []string `toml:"unless" yaml:"unless"`
}

// LoadFile decodes the document at path, choosing the format by extension.
func LoadFile(path, revision string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, failure.Configuration("opening desired state document: %w", err)
	}
	defer f.Close()

	format := "toml"
	if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
		format = "yaml"
	}
	return Decode(f, format, revision)
}

func Decode(r io.Reader, format, revision string) (*Document, error) {
	raw := &rawDocument{}
	var err error
	switch format {
	case "yaml":
		err = yaml.NewDecoder(r).Decode(raw)
		if err == io.EOF {
			err = nil // empty document
		}
	default:
		_, err = toml.NewDecoder(r).Decode(raw)
	}
	if err != nil {
		return nil, failure.Configuration("decoding desired state document: %w", err)
	}

	doc := &Document{Revision: revision, Secrets: raw.Secrets}
	for i, spec := range raw.Resources {
		res, err := spec.Build()
		if err != nil {
			return nil, failure.Configuration("resource %d (%s %q): %w", i, spec.Kind, spec.Name, err)
		}
		doc.Resources = append(doc.Resources, res)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Validate checks that ids are unique and that every dependency exists.
func (d *Document) Validate() error {
	ids := map[string]struct{}{}
	for _, r := range d.Resources {
		if _, ok := ids[r.ID()]; ok {
			return failure.Configuration("duplicate resource %q", r.ID())
		}
		ids[r.ID()] = struct{}{}
	}
	for _, r := range d.Resources {
		for _, dep := range r.Requires() {
			if _, ok := ids[dep]; !ok {
				return failure.Configuration("resource %q requires unknown resource %q", r.ID(), dep)
			}
		}
	}
	return nil
}

// Groups returns the sorted distinct group names.
func (d *Document) Groups() []string {
	seen := map[string]struct{}{}
	for _, r := range d.Resources {
		seen[r.Group()] = struct{}{}
	}
	list := make([]string, 0, len(seen))
	for g := range seen {
		list = append(list, g)
	}
	sort.Strings(list)
	return list
}

// Build turns a spec into its resource variant.
func (s *Spec) Build() (Resource, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	base := base{kind: s.Kind, name: s.Name, group: s.Group, requires: s.Requires}
	if base.group == "" {
		base.group = DefaultGroup
	}

	switch s.Kind {
	case "file":
		mode, err := parseMode(s.Mode, 0644)
		if err != nil {
			return nil, err
		}
		if !filepath.IsAbs(s.Path) {
			return nil, fmt.Errorf("path must be absolute")
		}
		return &File{base: base, Path: s.Path, Content: s.Content, Mode: mode}, nil

	case "directory":
		mode, err := parseMode(s.Mode, 0755)
		if err != nil {
			return nil, err
		}
		if !filepath.IsAbs(s.Path) {
			return nil, fmt.Errorf("path must be absolute")
		}
		return &Directory{base: base, Path: s.Path, Mode: mode}, nil

	case "replicas":
		mode, err := parseMode(s.Mode, 0644)
		if err != nil {
			return nil, err
		}
		if !filepath.IsAbs(s.Dir) {
			return nil, fmt.Errorf("dir must be absolute")
		}
		if s.Count < 0 {
			return nil, fmt.Errorf("count must not be negative")
		}
		return &Replicas{base: base, Dir: s.Dir, Count: s.Count, Content: s.Content, Mode: mode}, nil

	case "command":
		if len(s.Command) == 0 {
			return nil, fmt.Errorf("command is required")
		}
		if s.Creates == "" && len(s.Unless) == 0 {
			return nil, fmt.Errorf("command needs a creates or unless guard to be idempotent")
		}
		return &Command{base: base, Argv: s.Command, Creates: s.Creates, Unless: s.Unless}, nil

	default:
		return nil, fmt.Errorf("unknown kind %q", s.Kind)
	}
}

func parseMode(s string, def uint32) (os.FileMode, error) {
	if s == "" {
		return os.FileMode(def), nil
	}
	mode, err := strconv.ParseUint(s, 8, 32)
	if err != nil || mode > 0777 {
		return 0, fmt.Errorf("invalid mode %q", s)
	}
	return os.FileMode(mode), nil
}
