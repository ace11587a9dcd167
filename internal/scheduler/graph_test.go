package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphReadiness(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add("a", nil))
	require.NoError(t, g.Add("b", []string{"a"}))
	require.NoError(t, g.Add("c", []string{"a", "b", "a"}))

	assert.True(t, g.Ready("a"))
	assert.False(t, g.Ready("b"))
	assert.Equal(t, []string{"a", "b"}, g.Pending("c"), "duplicate dependencies collapse")

	assert.Equal(t, []string{"b"}, g.MarkCompleted("a"))
	assert.Nil(t, g.MarkCompleted("a"), "completing twice releases nothing")
	assert.Equal(t, []string{"c"}, g.MarkCompleted("b"))
	assert.True(t, g.Ready("c"))
}

func TestGraphRejectsUnknownAndDuplicate(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add("a", nil))

	assert.ErrorIs(t, g.Add("b", []string{"ghost"}), ErrUnknownDependency)
	assert.False(t, g.Has("b"))
	assert.ErrorIs(t, g.Add("a", nil), ErrDuplicateTask)
}

func TestGraphCycleLeavesGraphUnchanged(t *testing.T) {
	g := NewGraph()
	err := g.AddBatch(map[string][]string{
		"x": {"z"},
		"y": {"x"},
		"z": {"y"},
	})
	require.ErrorIs(t, err, ErrCycleDetected)
	assert.Contains(t, err.Error(), "->")
	assert.False(t, g.Has("x"))
	assert.False(t, g.Has("y"))

	assert.ErrorIs(t, g.Add("self", []string{"self"}), ErrCycleDetected)
}

func TestGraphRemove(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.Add("a", nil))
	require.NoError(t, g.Add("b", []string{"a"}))
	g.Remove("b")

	assert.False(t, g.Has("b"))
	assert.Empty(t, g.MarkCompleted("a"))
}

func TestTopologicalOrder(t *testing.T) {
	order, err := TopologicalOrder(map[string][]string{
		"deploy": {"build", "test"},
		"test":   {"build"},
		"build":  nil,
		"lint":   {"external"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "lint", "test", "deploy"}, order)

	_, err = TopologicalOrder(map[string][]string{"a": {"b"}, "b": {"a"}})
	assert.ErrorIs(t, err, ErrCycleDetected)
}
