// Package layer orders template layers by their parent links and
// materializes them through a template builder.
package layer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/loykin/pgfixture/internal/errdefs"
	"github.com/loykin/pgfixture/internal/logger"
	"github.com/loykin/pgfixture/internal/template"
)

// Graph is a set of layers where each layer names at most one parent.
// Declaration order is kept so that ordering is deterministic.
type Graph struct {
	layers map[string]template.Layer
	dbs    map[string]string // template database -> layer
	names  []string
}

func NewGraph() *Graph {
	return &Graph{layers: make(map[string]template.Layer), dbs: make(map[string]string)}
}

// Add declares a layer. Parents may be declared later; they are checked by
// Order. Two layers may not share a template database.
func (g *Graph) Add(l template.Layer) error {
	if strings.TrimSpace(l.Name) == "" {
		return errdefs.Config("layer", "layer name is empty")
	}
	if _, dup := g.layers[l.Name]; dup {
		return errdefs.Config(l.Name, "layer declared twice")
	}
	if l.Parent == l.Name {
		return errdefs.Config(l.Name, "layer depends on itself")
	}
	if l.Database != "" {
		if other, dup := g.dbs[l.Database]; dup {
			return errdefs.Config(l.Name, fmt.Sprintf("template database %q is already used by layer %q", l.Database, other))
		}
		g.dbs[l.Database] = l.Name
	}
	g.layers[l.Name] = l
	g.names = append(g.names, l.Name)
	return nil
}

// Layer returns a declared layer.
func (g *Graph) Layer(name string) (template.Layer, bool) {
	l, ok := g.layers[name]
	return l, ok
}

// Names lists layers in declaration order.
func (g *Graph) Names() []string { return append([]string(nil), g.names...) }

func (g *Graph) Len() int { return len(g.names) }

// Order returns every layer with parents before children. Among layers that
// are ready at the same time, declaration order wins. Unknown parents and
// cycles are configuration errors.
func (g *Graph) Order() ([]template.Layer, error) {
	indeg := make(map[string]int, len(g.names))
	children := make(map[string][]string)
	for _, name := range g.names {
		l := g.layers[name]
		if l.Parent == "" {
			continue
		}
		if _, ok := g.layers[l.Parent]; !ok {
			return nil, errdefs.Config(name, fmt.Sprintf("unknown parent layer %q", l.Parent))
		}
		indeg[name]++
		children[l.Parent] = append(children[l.Parent], name)
	}

	var queue []string
	for _, name := range g.names {
		if indeg[name] == 0 {
			queue = append(queue, name)
		}
	}
	out := make([]template.Layer, 0, len(g.names))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		out = append(out, g.layers[name])
		for _, c := range children[name] {
			indeg[c]--
			if indeg[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	if len(out) != len(g.names) {
		var stuck []string
		for _, name := range g.names {
			if indeg[name] > 0 {
				stuck = append(stuck, name)
			}
		}
		return nil, errdefs.Config("layers", "dependency cycle between "+strings.Join(stuck, ", "))
	}
	return out, nil
}

// Chain returns name and its ancestors, root first.
func (g *Graph) Chain(name string) ([]template.Layer, error) {
	var rev []template.Layer
	seen := make(map[string]bool)
	for cur := name; cur != ""; {
		l, ok := g.layers[cur]
		if !ok {
			return nil, errdefs.Config(cur, "unknown layer")
		}
		if seen[cur] {
			return nil, errdefs.Config(name, "dependency cycle through "+cur)
		}
		seen[cur] = true
		rev = append(rev, l)
		cur = l.Parent
	}
	out := make([]template.Layer, len(rev))
	for i, l := range rev {
		out[len(rev)-1-i] = l
	}
	return out, nil
}

// Result reports what Materialize did with each layer.
type Result struct {
	Built   []string
	Failed  map[string]error
	Skipped []string // descendants of a failed layer
}

// Err joins the failures, or returns nil when every layer was built.
func (r Result) Err() error {
	var errs []error
	for _, name := range r.failedNames() {
		errs = append(errs, r.Failed[name])
	}
	return errors.Join(errs...)
}

func (r Result) failedNames() []string {
	var names []string
	for name := range r.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Builder is what Materialize needs from the template builder.
type Builder interface {
	Build(ctx context.Context, l template.Layer) (*template.Template, error)
}

// Materialize builds every layer in dependency order. A failed layer fails
// its descendants without building them; independent chains still build.
func (g *Graph) Materialize(ctx context.Context, b Builder, log *slog.Logger) (Result, error) {
	order, err := g.Order()
	if err != nil {
		return Result{}, err
	}
	log = logger.OrDefault(log).With(slog.String("component", "layers"))
	res := Result{Failed: make(map[string]error)}
	bad := make(map[string]bool)
	for _, l := range order {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if l.Parent != "" && bad[l.Parent] {
			bad[l.Name] = true
			res.Skipped = append(res.Skipped, l.Name)
			res.Failed[l.Name] = errdefs.New(errdefs.ErrTemplateBuildFailure, "build", l.Name,
				fmt.Errorf("parent layer %q failed", l.Parent))
			log.Warn("skipping layer, parent failed", slog.String("layer", l.Name), slog.String("parent", l.Parent))
			continue
		}
		if _, err := b.Build(ctx, l); err != nil {
			bad[l.Name] = true
			res.Failed[l.Name] = err
			continue
		}
		res.Built = append(res.Built, l.Name)
	}
	return res, nil
}

// Ensure builds name and its ancestors, root first, and returns its template.
func (g *Graph) Ensure(ctx context.Context, b Builder, name string) (*template.Template, error) {
	chain, err := g.Chain(name)
	if err != nil {
		return nil, err
	}
	var t *template.Template
	for _, l := range chain {
		if t, err = b.Build(ctx, l); err != nil {
			if l.Name != name {
				return nil, errdefs.New(errdefs.ErrTemplateBuildFailure, "build", name,
					fmt.Errorf("ancestor layer %q: %w", l.Name, err))
			}
			return nil, err
		}
	}
	return t, nil
}
