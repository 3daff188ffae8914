package data

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/embedtrain/tensor"
)

func scalarDataset(t *testing.T, n int) *SimpleDataset {
	t.Helper()
	examples := make([]Example, n)
	for i := range examples {
		examples[i] = Example{
			tensor.FromFloats([]int{2}, []float32{float32(i), float32(-i)}),
			tensor.FromInts(nil, []int32{int32(i)}),
		}
	}
	ds, err := NewSimpleDataset(examples)
	require.NoError(t, err)
	return ds
}

func collectIDs(t *testing.T, l *Loader) [][]int32 {
	t.Helper()
	var out [][]int32
	for batch, err := range l.All(context.Background()) {
		require.NoError(t, err)
		out = append(out, append([]int32(nil), batch[1].Ints()...))
	}
	return out
}

func TestLoaderBatching(t *testing.T) {
	ds := scalarDataset(t, 5)

	l, err := NewLoader(ds, LoaderConfig{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, [][]int32{{0, 1}, {2, 3}, {4}}, collectIDs(t, l))

	l, err = NewLoader(ds, LoaderConfig{BatchSize: 2, DropLast: true})
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, [][]int32{{0, 1}, {2, 3}}, collectIDs(t, l))
}

func TestLoaderCollatesShapes(t *testing.T) {
	l, err := NewLoader(scalarDataset(t, 4), LoaderConfig{BatchSize: 4})
	require.NoError(t, err)

	for batch, err := range l.All(context.Background()) {
		require.NoError(t, err)
		require.Len(t, batch, 2)
		assert.Equal(t, []int{4, 2}, batch[0].Shape)
		assert.Equal(t, []int{4}, batch[1].Shape)
		assert.Equal(t, 4, batch.Size())
		assert.Equal(t, []float32{0, 0, 1, -1, 2, -2, 3, -3}, batch[0].Floats())
	}
}

func TestLoaderPrefetchMatchesSynchronous(t *testing.T) {
	ds := scalarDataset(t, 11)
	sync, err := NewLoader(ds, LoaderConfig{BatchSize: 3, Shuffle: true, Seed: 7})
	require.NoError(t, err)
	pre, err := NewLoader(ds, LoaderConfig{BatchSize: 3, Shuffle: true, Seed: 7, Prefetch: 2})
	require.NoError(t, err)

	assert.Equal(t, collectIDs(t, sync), collectIDs(t, pre))
}

func TestLoaderPrefetchEarlyBreak(t *testing.T) {
	l, err := NewLoader(scalarDataset(t, 20), LoaderConfig{BatchSize: 2, Prefetch: 1})
	require.NoError(t, err)

	seen := 0
	for _, err := range l.All(context.Background()) {
		require.NoError(t, err)
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestLoaderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, prefetch := range []int{0, 2} {
		l, err := NewLoader(scalarDataset(t, 4), LoaderConfig{BatchSize: 1, Prefetch: prefetch})
		require.NoError(t, err)

		var last error
		for _, err := range l.All(ctx) {
			last = err
			if err != nil {
				break
			}
		}
		assert.True(t, errors.Is(last, context.Canceled), "prefetch=%d", prefetch)
	}
}

func TestRandomSamplerEpochs(t *testing.T) {
	s := NewRandomSampler(16, 42)
	first := s.Indices()
	assert.Equal(t, first, s.Indices(), "same epoch must give the same order")

	sorted := slices.Clone(first)
	slices.Sort(sorted)
	assert.Equal(t, NewSequentialSampler(16).Indices(), sorted)

	s.SetEpoch(1)
	assert.NotEqual(t, first, s.Indices())

	l, err := NewLoader(scalarDataset(t, 16), LoaderConfig{BatchSize: 4, Sampler: s})
	require.NoError(t, err)
	l.SetEpoch(0)
	assert.Equal(t, first, s.Indices())
}

func TestPairDataset(t *testing.T) {
	ds, err := NewPairDataset(
		[][]int32{{1, 2, 0}, {3, 0, 0}},
		[][]int32{{1, 1, 0}, {1, 0, 0}},
		[][]int32{{4, 5, 6}, {7, 8, 0}},
		[][]int32{{1, 1, 1}, {1, 1, 0}},
		[]float32{0.5, 1},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.SeqLen())

	ex, err := ds.Get(1)
	require.NoError(t, err)
	require.Len(t, ex, 5)
	assert.Equal(t, []int32{7, 8, 0}, ex[2].Ints())
	assert.Equal(t, []float32{1}, ex[4].Floats())

	_, err = ds.Get(2)
	assert.Error(t, err)

	_, err = NewPairDataset([][]int32{{1}}, [][]int32{{1}}, [][]int32{{1, 2}}, [][]int32{{1}}, []float32{0})
	assert.Error(t, err)
}

func TestSubsetDataset(t *testing.T) {
	sub := NewSubsetDataset(scalarDataset(t, 5), []int{4, 1})
	assert.Equal(t, 2, sub.Len())
	ex, err := sub.Get(0)
	require.NoError(t, err)
	assert.Equal(t, []int32{4}, ex[1].Ints())
}

func TestManagerSplitsAndClone(t *testing.T) {
	ds := scalarDataset(t, 4)
	train, err := NewLoader(ds, LoaderConfig{BatchSize: 2})
	require.NoError(t, err)
	val, err := NewLoader(ds, LoaderConfig{BatchSize: 4})
	require.NoError(t, err)
	valMatched, err := NewLoader(ds, LoaderConfig{BatchSize: 1})
	require.NoError(t, err)

	m := NewManager()
	m.Add("nli", "train", train)
	m.Add("nli", "validation_mismatched", val)
	m.Add("nli", "validation_matched", valMatched)
	m.Add("stsb", "validation", val)

	assert.Equal(t, []string{"nli", "stsb"}, m.Datasets())
	splits, ok := m.Splits("nli")
	require.True(t, ok)
	name, l, ok := splits.Find("validation")
	require.True(t, ok)
	assert.Equal(t, "validation_mismatched", name)
	assert.Same(t, val, l)

	clone := m.Clone()
	replacement, err := NewLoader(ds, LoaderConfig{BatchSize: 3})
	require.NoError(t, err)
	clone.Add("nli", "train", replacement)

	got, _ := m.Loader("nli", "train")
	assert.Same(t, train, got)
	got, _ = clone.Loader("nli", "train")
	assert.Same(t, replacement, got)

	cloneSplits, _ := clone.Splits("nli")
	assert.Equal(t, []string{"train", "validation_mismatched", "validation_matched"}, cloneSplits.Names())
}

func TestSyntheticPairs(t *testing.T) {
	ds, err := SyntheticPairs(SyntheticConfig{Pairs: 16, SeqLen: 6, VocabSize: 20, Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, 16, ds.Len())
	assert.Equal(t, 6, ds.SeqLen())

	for i := range ds.Len() {
		assert.Equal(t, int32(1), ds.MaskA[i][0], "pair %d has an empty first sentence", i)
		assert.Equal(t, ds.MaskA[i], ds.MaskB[i])
		for j, m := range ds.MaskA[i] {
			if m == 0 {
				assert.Zero(t, ds.IDsA[i][j])
			} else {
				assert.Less(t, ds.IDsA[i][j], int32(20))
				assert.Positive(t, ds.IDsA[i][j])
			}
		}
		assert.GreaterOrEqual(t, ds.Labels[i], float32(0))
		assert.LessOrEqual(t, ds.Labels[i], float32(1))
	}

	again, err := SyntheticPairs(SyntheticConfig{Pairs: 16, SeqLen: 6, VocabSize: 20, Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, ds.IDsB, again.IDsB)

	_, err = SyntheticPairs(SyntheticConfig{Pairs: 0, SeqLen: 6, VocabSize: 20})
	assert.Error(t, err)
	_, err = SyntheticPairs(SyntheticConfig{Pairs: 4, SeqLen: 6, VocabSize: 1})
	assert.Error(t, err)
}
