// Package reconcile applies a desired state document to the local machine.
//
// Each resource is observed, compared to its target and only the delta is applied, so
// applying the same document twice changes nothing the second time. Resources are
// applied in dependency order. A failed resource causes its dependents to be skipped
// while independent resources still converge; nothing is rolled back.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jveski/fleetpull/internal/failure"
	"github.com/jveski/fleetpull/internal/logging"
)

type State string

const (
	Converged State = "converged" // already matched the target
	Changed   State = "changed"
	Failed    State = "failed"
	Skipped   State = "skipped" // a prerequisite did not converge
)

type Result struct {
	ID      string
	Group   string
	State   State
	Changed int
	Err     error
}

type Report struct {
	Results []*Result
	Changed int
}

func (r *Report) Failed() []*Result {
	list := []*Result{}
	for _, res := range r.Results {
		if res.State == Failed || res.State == Skipped {
			list = append(list, res)
		}
	}
	return list
}

// Err summarizes failed chains as an ApplyError, or returns nil.
func (r *Report) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	msgs := make([]string, len(failed))
	for i, res := range failed {
		msgs[i] = fmt.Sprintf("%s: %s", res.ID, res.Err)
	}
	return failure.Apply("%d of %d resources did not converge: %s", len(failed), len(r.Results), strings.Join(msgs, "; "))
}

type GroupSummary struct {
	Total, Changed, Failed int
}

// Groups summarizes results by group.
func (r *Report) Groups() map[string]*GroupSummary {
	m := map[string]*GroupSummary{}
	for _, res := range r.Results {
		g := m[res.Group]
		if g == nil {
			g = &GroupSummary{}
			m[res.Group] = g
		}
		g.Total++
		g.Changed += res.Changed
		if res.State == Failed || res.State == Skipped {
			g.Failed++
		}
	}
	return m
}

type Options struct {
	// Groups restricts the run to resources in these groups and their prerequisites.
	Groups []string
}

// Apply converges the machine to doc.
func Apply(ctx context.Context, doc *Document, env *Env, opts Options) *Report {
	logger := logging.WithComponent("reconcile")
	report := &Report{}
	order, cyclic := sortResources(selectResources(doc.Resources, opts.Groups))

	results := map[string]*Result{}
	for _, res := range order {
		result := &Result{ID: res.ID(), Group: res.Group()}
		results[res.ID()] = result
		report.Results = append(report.Results, result)

		if err := ctx.Err(); err != nil {
			result.State, result.Err = Skipped, err
			continue
		}
		if dep := blockingDependency(res, results); dep != "" {
			result.State, result.Err = Skipped, fmt.Errorf("prerequisite %s did not converge", dep)
			logger.Warn().Str("resource", res.ID()).Str("prerequisite", dep).Msg("skipping resource")
			continue
		}

		plan, err := res.Check(ctx, env)
		if err != nil {
			result.State, result.Err = Failed, fmt.Errorf("checking: %w", err)
			logger.Error().Err(err).Str("resource", res.ID()).Msg("error checking resource")
			continue
		}
		if len(plan) == 0 {
			result.State = Converged
			continue
		}

		for _, c := range plan {
			logger.Info().Str("resource", res.ID()).Str("action", c.Action).Str("target", c.Target).Msg("applying change")
		}
		n, err := res.Apply(ctx, env, plan)
		result.Changed = n
		report.Changed += n
		if err != nil {
			result.State, result.Err = Failed, fmt.Errorf("applying: %w", err)
			logger.Error().Err(err).Str("resource", res.ID()).Msg("error applying resource")
			continue
		}
		result.State = Changed
	}

	for _, res := range cyclic {
		report.Results = append(report.Results, &Result{
			ID: res.ID(), Group: res.Group(), State: Failed,
			Err: fmt.Errorf("dependency cycle"),
		})
	}
	return report
}

func blockingDependency(res Resource, results map[string]*Result) string {
	for _, dep := range res.Requires() {
		r, ok := results[dep]
		if !ok || r.State == Failed || r.State == Skipped {
			return dep
		}
	}
	return ""
}

// selectResources returns the resources in groups plus everything they transitively require.
func selectResources(all []Resource, groups []string) []Resource {
	if len(groups) == 0 {
		return all
	}

	byID := map[string]Resource{}
	for _, r := range all {
		byID[r.ID()] = r
	}
	wanted := map[string]bool{}
	for _, g := range groups {
		wanted[g] = true
	}

	selected := map[string]bool{}
	var visit func(r Resource)
	visit = func(r Resource) {
		if selected[r.ID()] {
			return
		}
		selected[r.ID()] = true
		for _, dep := range r.Requires() {
			if d, ok := byID[dep]; ok {
				visit(d)
			}
		}
	}
	for _, r := range all {
		if wanted[r.Group()] {
			visit(r)
		}
	}

	list := []Resource{}
	for _, r := range all {
		if selected[r.ID()] {
			list = append(list, r)
		}
	}
	return list
}

// sortResources orders resources so that prerequisites come first, breaking ties by id.
// Resources on or behind a dependency cycle are returned separately.
func sortResources(list []Resource) (ordered, cyclic []Resource) {
	byID := map[string]Resource{}
	pending := map[string]int{}
	dependents := map[string][]string{}
	for _, r := range list {
		byID[r.ID()] = r
	}
	for _, r := range list {
		pending[r.ID()] += 0
		for _, dep := range r.Requires() {
			if _, ok := byID[dep]; !ok {
				continue // filtered out by group selection
			}
			pending[r.ID()]++
			dependents[dep] = append(dependents[dep], r.ID())
		}
	}

	ready := []string{}
	for id, n := range pending {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byID[id])

		for _, d := range dependents[id] {
			pending[d]--
			if pending[d] == 0 {
				ready = append(ready, d)
			}
		}
		delete(pending, id)
	}

	ids := []string{}
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		cyclic = append(cyclic, byID[id])
	}
	return ordered, cyclic
}
