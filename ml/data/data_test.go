package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchSize(t *testing.T) {
	b := &Batch{
		X: map[string]any{"features": []float64{1, 2, 3}},
		Y: map[string][]int{"task0": {0, 1, 0}},
	}
	assert.Equal(t, 3, b.Size())

	empty := &Batch{X: map[string]any{"features": []float64{}}}
	assert.Equal(t, 0, empty.Size())
}

func TestSliceLoader(t *testing.T) {
	batches := []*Batch{
		{Y: map[string][]int{"task0": {0, 1}}},
		{Y: map[string][]int{"task0": {1}}},
	}
	loader := NewSliceLoader("dataset0", "train", batches)
	assert.Equal(t, Dataset{Name: "dataset0", Split: "train"}, loader.Dataset())
	require.Equal(t, 2, loader.NumBatches())
	assert.Same(t, batches[0], loader.Batch(0))
	assert.Same(t, batches[1], loader.Batch(1))

	// Repeated access returns the same batch.
	assert.Same(t, loader.Batch(1), loader.Batch(1))
}

func TestBySplit(t *testing.T) {
	train0 := NewSliceLoader("a", "train", nil)
	valid := NewSliceLoader("a", "valid", nil)
	train1 := NewSliceLoader("b", "train", nil)
	loaders := []Loader{train0, valid, train1}

	filtered := BySplit(loaders, "train")
	require.Len(t, filtered, 2)
	assert.Same(t, train0, filtered[0])
	assert.Same(t, train1, filtered[1])

	assert.Empty(t, BySplit(loaders, "test"))
}
