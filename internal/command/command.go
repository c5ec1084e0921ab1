// Package command runs external programs on the local machine.
package command

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

type Runner interface {
	Run(ctx context.Context, argv []string) ([]byte, error)
}

// Exec runs commands with os/exec, merging stdout and stderr.
type Exec struct{}

func (Exec) Run(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Recorder records the commands it is asked to run. Commands listed in Fail return
// an error, those listed in Output print it. It is safe for concurrent use.
type Recorder struct {
	Fail   map[string]error  // keyed by the space-joined argv
	Output map[string]string // same keys

	mu   sync.Mutex
	runs [][]string
}

func (r *Recorder) Run(ctx context.Context, argv []string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, argv)
	key := strings.Join(argv, " ")
	var out []byte
	if o, ok := r.Output[key]; ok {
		out = []byte(o)
	}
	if err := r.Fail[key]; err != nil {
		return out, err
	}
	return out, nil
}

func (r *Recorder) Runs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]string, len(r.runs))
	for i, argv := range r.runs {
		list[i] = strings.Join(argv, " ")
	}
	return list
}
