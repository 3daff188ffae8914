package model

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/embedtrain/amp"
	"github.com/tsawler/embedtrain/data"
	"github.com/tsawler/embedtrain/tensor"
)

func pairBatch() data.Batch {
	return data.Batch{
		tensor.FromInts([]int{2, 3}, []int32{1, 2, 0, 3, 4, 5}),
		tensor.FromInts([]int{2, 3}, []int32{1, 1, 0, 1, 1, 1}),
		tensor.FromInts([]int{2, 3}, []int32{2, 6, 7, 1, 0, 0}),
		tensor.FromInts([]int{2, 3}, []int32{1, 1, 1, 1, 0, 0}),
		tensor.FromFloats([]int{2}, []float32{0.8, 0.1}),
	}
}

func newTestBag(t *testing.T, projection int) *Bag {
	t.Helper()
	b, err := NewBag(BagConfig{VocabSize: 8, Dim: 4, ProjectionDim: projection, Seed: 3})
	require.NoError(t, err)
	return b
}

func lossValue(t *testing.T, b *Bag, batch data.Batch) float64 {
	t.Helper()
	l, err := b.Loss(context.Background(), batch)
	require.NoError(t, err)
	return l.(*pairLoss).value
}

func TestBagGradientMatchesFiniteDifference(t *testing.T) {
	for _, projection := range []int{0, 3} {
		b := newTestBag(t, projection)
		batch := pairBatch()

		l, err := b.Loss(context.Background(), batch)
		require.NoError(t, err)
		require.NoError(t, l.Backward(1))

		const h = 1e-3
		for _, p := range b.Parameters() {
			for i := range p.Data {
				orig := p.Data[i]
				p.Data[i] = orig + h
				plus := lossValue(t, b, batch)
				p.Data[i] = orig - h
				minus := lossValue(t, b, batch)
				p.Data[i] = orig

				numeric := (plus - minus) / (2 * h)
				assert.InDelta(t, numeric, float64(p.Grad[i]), 2e-3, "projection=%d %s[%d]", projection, p.Name, i)
			}
		}
	}
}

func TestBagBackwardScales(t *testing.T) {
	b := newTestBag(t, 0)
	l, err := b.Loss(context.Background(), pairBatch())
	require.NoError(t, err)
	require.NoError(t, l.Backward(1))
	unscaled := tensor.FlattenGrads(b.Parameters())

	tensor.ZeroGrad(b.Parameters())
	require.NoError(t, l.Backward(1024))
	scaled := tensor.FlattenGrads(b.Parameters())

	for i := range unscaled {
		assert.InDelta(t, unscaled[i]*1024, scaled[i], 1e-3)
	}
}

func TestBagEmbed(t *testing.T) {
	b := newTestBag(t, 3)
	batch := pairBatch()

	out, err := b.Embed(context.Background(), batch[0], batch[1])
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, out.Shape)

	// Padding tokens do not contribute to the mean
	padded := tensor.FromInts([]int{2, 3}, []int32{1, 2, 7, 3, 4, 5})
	out2, err := b.Embed(context.Background(), padded, batch[1])
	require.NoError(t, err)
	assert.Equal(t, out.Floats(), out2.Floats())

	_, err = b.Embed(context.Background(), tensor.FromInts([]int{1, 1}, []int32{99}), tensor.FromInts([]int{1, 1}, []int32{1}))
	assert.Error(t, err)
}

func TestBagAutocastRoundsActivations(t *testing.T) {
	b := newTestBag(t, 0)
	batch := pairBatch()

	full, err := b.Embed(context.Background(), batch[0], batch[1])
	require.NoError(t, err)
	half, err := b.Embed(amp.WithAutocast(context.Background(), amp.Float16), batch[0], batch[1])
	require.NoError(t, err)

	for i, v := range full.Floats() {
		assert.Equal(t, amp.Half(v), half.Floats()[i])
		assert.InDelta(t, v, half.Floats()[i], math.Abs(float64(v))*1e-3+1e-6)
	}
}

func TestBagLossErrors(t *testing.T) {
	b := newTestBag(t, 0)

	_, err := b.Loss(context.Background(), pairBatch()[:4])
	assert.Error(t, err)

	b.Eval()
	l, err := b.Loss(context.Background(), pairBatch())
	require.NoError(t, err)
	assert.Error(t, l.Backward(1), "eval mode has no backward pass")
}

func TestBagReplicate(t *testing.T) {
	b := newTestBag(t, 2)
	r, err := b.Replicate()
	require.NoError(t, err)

	assert.Equal(t, tensor.FlattenData(b.Parameters()), tensor.FlattenData(r.Parameters()))
	assert.Same(t, r, r.Unwrap())

	r.Parameters()[0].Data[0] += 1
	assert.NotEqual(t, b.Parameters()[0].Data[0], r.Parameters()[0].Data[0])
}
