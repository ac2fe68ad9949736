package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/protoscan/internal/model"
)

func module(path string, types ...*model.Type) *model.Module {
	for _, t := range types {
		t.File = path
	}
	return &model.Module{Path: path, Name: model.ModuleName(path), Types: types}
}

func class(name string, methods []string, attrs ...model.Attribute) *model.Type {
	t := &model.Type{Name: name, QualifiedName: name, Attributes: attrs}
	for _, m := range methods {
		t.Methods = append(t.Methods, model.Method{Name: m})
	}
	return t
}

func TestIndexable(t *testing.T) {
	t.Parallel()

	assert.True(t, Indexable("run"))
	assert.False(t, Indexable("_private"))
	assert.False(t, Indexable("__call__"))
	assert.False(t, Indexable(""))
}

func TestLookup(t *testing.T) {
	t.Parallel()

	idx, err := Build(context.Background(), []*model.Module{
		module("a.py", class("A", []string{"run", "__call__", "_hidden"}, model.Attribute{Name: "limit"})),
		module("b.py", class("B", []string{"run"}, model.Attribute{Name: "count", Instance: true})),
		module("lib/c.py", class("C", []string{"run"})),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a.py", "b.py", "lib/c.py"}, idx.Lookup("run", model.Everything))
	assert.Equal(t, []string{"lib/c.py"}, idx.Lookup("run", model.NewScope("lib")))
	assert.Equal(t, []string{"a.py"}, idx.Lookup("limit", model.Everything))
	assert.Empty(t, idx.Lookup("count", model.Everything), "instance attributes are not indexed")
	assert.Empty(t, idx.Lookup("__call__", model.Everything), "dunders are not indexed")
	assert.Empty(t, idx.Lookup("_hidden", model.Everything))
	assert.Empty(t, idx.Lookup("missing", model.Everything))
}

func TestUpdateAndRemoveBumpGeneration(t *testing.T) {
	t.Parallel()

	idx := New()
	g0 := idx.Generation()

	idx.Update(module("a.py", class("A", []string{"run"})))
	g1 := idx.Generation()
	assert.Greater(t, g1, g0)
	assert.Equal(t, []string{"a.py"}, idx.Lookup("run", model.Everything))

	idx.Update(module("a.py", class("A", []string{"stop"})))
	g2 := idx.Generation()
	assert.Greater(t, g2, g1)
	assert.Empty(t, idx.Lookup("run", model.Everything), "stale entry survived update")
	assert.Equal(t, []string{"a.py"}, idx.Lookup("stop", model.Everything))

	idx.Remove("a.py")
	assert.Greater(t, idx.Generation(), g2)
	assert.Empty(t, idx.Lookup("stop", model.Everything))

	names, files := idx.Stats()
	assert.Zero(t, names)
	assert.Zero(t, files)
}

func TestGenerationStableWhenNamesUnchanged(t *testing.T) {
	t.Parallel()

	idx := New()
	idx.Update(module("a.py", class("A", []string{"run", "stop"})))
	g := idx.Generation()

	// Same names, different classes and order.
	idx.Update(module("a.py", class("B", []string{"stop"}), class("C", []string{"run", "__init__"})))
	assert.Equal(t, g, idx.Generation())
	assert.Equal(t, []string{"a.py"}, idx.Lookup("run", model.Everything))

	idx.Update(module("empty.py", class("E", []string{"_private"})))
	assert.Equal(t, g, idx.Generation(), "a file without indexed names changes nothing")

	idx.Remove("missing.py")
	assert.Equal(t, g, idx.Generation())

	idx.Update(module("a.py", class("A", nil)))
	assert.Greater(t, idx.Generation(), g)
	assert.Empty(t, idx.Lookup("run", model.Everything))
}

func TestBuildCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Build(ctx, []*model.Module{module("a.py")})
	assert.ErrorIs(t, err, context.Canceled)
}
