package layer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loykin/pgfixture/internal/errdefs"
	"github.com/loykin/pgfixture/internal/template"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingBuilder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (r *recordingBuilder) Build(_ context.Context, l template.Layer) (*template.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, l.Name)
	if err := r.fail[l.Name]; err != nil {
		return nil, err
	}
	return &template.Template{Layer: l, Database: l.Database}, nil
}

func mustGraph(t *testing.T, layers ...template.Layer) *Graph {
	t.Helper()
	g := NewGraph()
	for _, l := range layers {
		require.NoError(t, g.Add(l))
	}
	return g
}

func names(ls []template.Layer) []string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.Name
	}
	return out
}

func TestOrderParentsFirst(t *testing.T) {
	// children declared before their parents
	g := mustGraph(t,
		template.Layer{Name: "grandchild", Parent: "child"},
		template.Layer{Name: "child", Parent: "base"},
		template.Layer{Name: "other"},
		template.Layer{Name: "base"},
	)
	order, err := g.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"other", "base", "child", "grandchild"}, names(order))

	again, err := g.Order()
	require.NoError(t, err)
	assert.Equal(t, names(order), names(again), "order must be deterministic")
}

func TestOrderRejectsCycle(t *testing.T) {
	g := mustGraph(t,
		template.Layer{Name: "a", Parent: "b"},
		template.Layer{Name: "b", Parent: "a"},
		template.Layer{Name: "free"},
	)
	_, err := g.Order()
	require.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.Contains(t, err.Error(), "a, b")

	b := &recordingBuilder{}
	_, err = g.Materialize(context.Background(), b, nil)
	require.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.Empty(t, b.calls, "no layer may be built when the graph is invalid")
}

func TestAddRejectsBadLayers(t *testing.T) {
	g := NewGraph()
	assert.ErrorIs(t, g.Add(template.Layer{Name: " "}), errdefs.ErrConfiguration)
	assert.ErrorIs(t, g.Add(template.Layer{Name: "self", Parent: "self"}), errdefs.ErrConfiguration)
	require.NoError(t, g.Add(template.Layer{Name: "x"}))
	assert.ErrorIs(t, g.Add(template.Layer{Name: "x"}), errdefs.ErrConfiguration)
	assert.Equal(t, 1, g.Len())
}

func TestAddRejectsSharedTemplateDatabase(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add(template.Layer{Name: "x", Database: "shared_tmpl"}))
	err := g.Add(template.Layer{Name: "y", Database: "shared_tmpl", Parent: "x"})
	require.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.Contains(t, err.Error(), `"x"`)

	require.NoError(t, g.Add(template.Layer{Name: "z", Database: "z_tmpl"}))
	assert.Equal(t, []string{"x", "z"}, g.Names())
}

func TestOrderRejectsUnknownParent(t *testing.T) {
	g := mustGraph(t, template.Layer{Name: "child", Parent: "ghost"})
	_, err := g.Order()
	require.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.Contains(t, err.Error(), "ghost")
}

func TestChain(t *testing.T) {
	g := mustGraph(t,
		template.Layer{Name: "base"},
		template.Layer{Name: "child", Parent: "base"},
		template.Layer{Name: "grandchild", Parent: "child"},
	)
	chain, err := g.Chain("grandchild")
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "child", "grandchild"}, names(chain))

	_, err = g.Chain("missing")
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestMaterializeSkipsFailedChainOnly(t *testing.T) {
	boom := errdefs.New(errdefs.ErrTemplateBuildFailure, "build", "base", errors.New("boom"))
	g := mustGraph(t,
		template.Layer{Name: "base"},
		template.Layer{Name: "child", Parent: "base"},
		template.Layer{Name: "grandchild", Parent: "child"},
		template.Layer{Name: "independent"},
		template.Layer{Name: "independent_child", Parent: "independent"},
	)
	b := &recordingBuilder{fail: map[string]error{"base": boom}}
	res, err := g.Materialize(context.Background(), b, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"base", "independent", "independent_child"}, b.calls)
	assert.Equal(t, []string{"independent", "independent_child"}, res.Built)
	assert.Equal(t, []string{"child", "grandchild"}, res.Skipped)
	require.Len(t, res.Failed, 3)
	assert.Same(t, boom, res.Failed["base"])
	assert.ErrorIs(t, res.Failed["grandchild"], errdefs.ErrTemplateBuildFailure)
	assert.ErrorIs(t, res.Err(), errdefs.ErrTemplateBuildFailure)
}

func TestMaterializeAllBuilt(t *testing.T) {
	g := mustGraph(t, template.Layer{Name: "default"})
	res, err := g.Materialize(context.Background(), &recordingBuilder{}, nil)
	require.NoError(t, err)
	assert.NoError(t, res.Err())
	assert.Equal(t, []string{"default"}, res.Built)
}

func TestEnsureBuildsAncestorsFirst(t *testing.T) {
	g := mustGraph(t,
		template.Layer{Name: "base", Database: "base_tmpl"},
		template.Layer{Name: "child", Database: "child_tmpl", Parent: "base"},
	)
	b := &recordingBuilder{}
	tmpl, err := g.Ensure(context.Background(), b, "child")
	require.NoError(t, err)
	assert.Equal(t, "child_tmpl", tmpl.Database)
	assert.Equal(t, []string{"base", "child"}, b.calls)

	b = &recordingBuilder{fail: map[string]error{"base": errors.New("boom")}}
	_, err = g.Ensure(context.Background(), b, "child")
	require.ErrorIs(t, err, errdefs.ErrTemplateBuildFailure)
	assert.Contains(t, err.Error(), `ancestor layer "base"`)
	assert.Equal(t, []string{"base"}, b.calls)
}
