package model

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/tsawler/embedtrain/amp"
	"github.com/tsawler/embedtrain/data"
	"github.com/tsawler/embedtrain/tensor"
)

// PairArity is the number of tensors in a pair batch:
// (ids_a, mask_a, ids_b, mask_b, label).
const PairArity = 5

// BagConfig holds configuration for a Bag model
type BagConfig struct {
	VocabSize     int
	Dim           int
	ProjectionDim int    // Output size of the optional linear projection (0: none)
	Seed          uint64 // Seed for weight initialization
}

// Bag embeds a sentence as the masked mean of its token embeddings,
// optionally followed by a linear projection. Its training loss is the mean
// squared error between the cosine similarity of each pair and its label.
type Bag struct {
	config     BagConfig
	embedding  *tensor.Parameter // [VocabSize, Dim]
	projection *tensor.Parameter // [Dim, ProjectionDim], nil without projection
	training   bool
}

// NewBag creates a Bag with normally distributed weights.
func NewBag(config BagConfig) (*Bag, error) {
	if config.VocabSize <= 0 || config.Dim <= 0 {
		return nil, fmt.Errorf("vocab size and dim must be positive, got %d and %d", config.VocabSize, config.Dim)
	}
	if config.ProjectionDim < 0 {
		return nil, fmt.Errorf("projection dim cannot be negative: %d", config.ProjectionDim)
	}

	rng := rand.New(rand.NewPCG(config.Seed, 0x5eed))
	embedding, err := tensor.NewParameter("embedding.weight", []int{config.VocabSize, config.Dim}, nil)
	if err != nil {
		return nil, err
	}
	for i := range embedding.Data {
		embedding.Data[i] = float32(rng.NormFloat64())
	}

	b := &Bag{config: config, embedding: embedding, training: true}
	if config.ProjectionDim > 0 {
		b.projection, err = tensor.NewParameter("projection.weight", []int{config.Dim, config.ProjectionDim}, nil)
		if err != nil {
			return nil, err
		}
		std := 1 / math.Sqrt(float64(config.Dim))
		for i := range b.projection.Data {
			b.projection.Data[i] = float32(rng.NormFloat64() * std)
		}
	}
	return b, nil
}

// OutputDim is the size of an embedding row.
func (b *Bag) OutputDim() int {
	if b.projection != nil {
		return b.config.ProjectionDim
	}
	return b.config.Dim
}

func (b *Bag) Parameters() []*tensor.Parameter {
	if b.projection != nil {
		return []*tensor.Parameter{b.embedding, b.projection}
	}
	return []*tensor.Parameter{b.embedding}
}

func (b *Bag) Train()           { b.training = true }
func (b *Bag) Eval()            { b.training = false }
func (b *Bag) Training() bool   { return b.training }
func (b *Bag) Unwrap() Embedder { return b }

func (b *Bag) Replicate() (Embedder, error) {
	c := &Bag{config: b.config, embedding: b.embedding.Clone(), training: b.training}
	if b.projection != nil {
		c.projection = b.projection.Clone()
	}
	return c, nil
}

// forward holds the activations of one side of a pair batch.
type forward struct {
	ids    []int32
	mask   []int32
	counts []float64   // real tokens per row, at least 1
	pooled [][]float64 // [batch][Dim]
	out    [][]float64 // [batch][OutputDim]
}

func (b *Bag) forward(ctx context.Context, ids, mask *tensor.Tensor) (*forward, error) {
	if ids == nil || mask == nil {
		return nil, fmt.Errorf("ids and mask are required")
	}
	if ids.DType != tensor.Int32 || mask.DType != tensor.Int32 {
		return nil, fmt.Errorf("ids and mask must be Int32, got %s and %s", ids.DType, mask.DType)
	}
	if len(ids.Shape) != 2 || len(mask.Shape) != 2 || ids.Shape[0] != mask.Shape[0] || ids.Shape[1] != mask.Shape[1] {
		return nil, fmt.Errorf("ids %v and mask %v must be matching [batch, seq] tensors", ids.Shape, mask.Shape)
	}

	rows, seq := ids.Shape[0], ids.Shape[1]
	dim := b.config.Dim
	f := &forward{
		ids:    ids.Ints(),
		mask:   mask.Ints(),
		counts: make([]float64, rows),
		pooled: make([][]float64, rows),
		out:    make([][]float64, rows),
	}

	row := make([]float32, dim)
	for r := 0; r < rows; r++ {
		pooled := make([]float64, dim)
		count := 0.0
		for s := 0; s < seq; s++ {
			if f.mask[r*seq+s] == 0 {
				continue
			}
			id := int(f.ids[r*seq+s])
			if id < 0 || id >= b.config.VocabSize {
				return nil, fmt.Errorf("token id %d out of vocabulary [0, %d)", id, b.config.VocabSize)
			}
			emb := b.embedding.Data[id*dim : (id+1)*dim]
			for d := range pooled {
				pooled[d] += float64(emb[d])
			}
			count++
		}
		count = math.Max(count, 1)
		for d := range pooled {
			row[d] = float32(pooled[d] / count)
		}
		amp.Round(ctx, row)
		for d := range pooled {
			pooled[d] = float64(row[d])
		}
		f.counts[r] = count
		f.pooled[r] = pooled
		f.out[r] = b.project(ctx, pooled)
	}
	return f, nil
}

func (b *Bag) project(ctx context.Context, pooled []float64) []float64 {
	if b.projection == nil {
		return pooled
	}
	p := b.config.ProjectionDim
	out := make([]float32, p)
	for d, x := range pooled {
		w := b.projection.Data[d*p : (d+1)*p]
		for j := range out {
			out[j] += float32(x) * w[j]
		}
	}
	amp.Round(ctx, out)
	res := make([]float64, p)
	for j, v := range out {
		res[j] = float64(v)
	}
	return res
}

// backward accumulates dOut (one row per example) into the parameter gradients.
func (b *Bag) backward(f *forward, dOut [][]float64) {
	dim := b.config.Dim
	seq := len(f.ids) / len(f.out)
	for r := range dOut {
		dPooled := dOut[r]
		if b.projection != nil {
			p := b.config.ProjectionDim
			dPooled = make([]float64, dim)
			for d := 0; d < dim; d++ {
				w := b.projection.Data[d*p : (d+1)*p]
				g := b.projection.Grad[d*p : (d+1)*p]
				for j := 0; j < p; j++ {
					g[j] += float32(f.pooled[r][d] * dOut[r][j])
					dPooled[d] += float64(w[j]) * dOut[r][j]
				}
			}
		}
		for s := 0; s < seq; s++ {
			if f.mask[r*seq+s] == 0 {
				continue
			}
			id := int(f.ids[r*seq+s])
			g := b.embedding.Grad[id*dim : (id+1)*dim]
			for d := range g {
				g[d] += float32(dPooled[d] / f.counts[r])
			}
		}
	}
}

func (b *Bag) Embed(ctx context.Context, ids, mask *tensor.Tensor) (*tensor.Tensor, error) {
	f, err := b.forward(ctx, ids, mask)
	if err != nil {
		return nil, err
	}
	out := make([]float32, 0, len(f.out)*b.OutputDim())
	for _, row := range f.out {
		for _, v := range row {
			out = append(out, float32(v))
		}
	}
	return tensor.NewTensor([]int{len(f.out), b.OutputDim()}, tensor.Float32, out)
}

// pairLoss is the cosine MSE loss of one pair batch with the activations
// needed for its backward pass.
type pairLoss struct {
	model  *Bag
	a, b   *forward
	cos    []float64
	norms  [][2]float64
	labels []float32
	value  float64
}

func (l *pairLoss) Value() float32 { return float32(l.value) }

func (l *pairLoss) Backward(scale float32) error {
	if !l.model.training {
		return fmt.Errorf("backward called on a model in eval mode")
	}

	n := float64(len(l.cos))
	dA := make([][]float64, len(l.cos))
	dB := make([][]float64, len(l.cos))
	for i := range l.cos {
		ua, ub := l.a.out[i], l.b.out[i]
		dA[i] = make([]float64, len(ua))
		dB[i] = make([]float64, len(ub))

		na, nb := l.norms[i][0], l.norms[i][1]
		if na*nb < cosineEps {
			continue
		}
		dCos := float64(scale) * 2 * (l.cos[i] - float64(l.labels[i])) / n
		for d := range ua {
			dA[i][d] = dCos * (ub[d]/(na*nb) - l.cos[i]*ua[d]/(na*na))
			dB[i][d] = dCos * (ua[d]/(na*nb) - l.cos[i]*ub[d]/(nb*nb))
		}
	}

	l.model.backward(l.a, dA)
	l.model.backward(l.b, dB)
	return nil
}

const cosineEps = 1e-8

// Loss computes mean((cos(a_i, b_i) - label_i)^2) over a pair batch.
func (b *Bag) Loss(ctx context.Context, batch data.Batch) (Loss, error) {
	if len(batch) != PairArity {
		return nil, fmt.Errorf("expected a %d-tensor pair batch, got %d tensors", PairArity, len(batch))
	}
	fa, err := b.forward(ctx, batch[0], batch[1])
	if err != nil {
		return nil, fmt.Errorf("side a: %w", err)
	}
	fb, err := b.forward(ctx, batch[2], batch[3])
	if err != nil {
		return nil, fmt.Errorf("side b: %w", err)
	}
	labels := batch[4].Floats()
	if len(labels) != len(fa.out) {
		return nil, fmt.Errorf("got %d labels for %d pairs", len(labels), len(fa.out))
	}

	l := &pairLoss{
		model:  b,
		a:      fa,
		b:      fb,
		cos:    make([]float64, len(labels)),
		norms:  make([][2]float64, len(labels)),
		labels: labels,
	}
	for i := range labels {
		ua, ub := fa.out[i], fb.out[i]
		var dot, na, nb float64
		for d := range ua {
			dot += ua[d] * ub[d]
			na += ua[d] * ua[d]
			nb += ub[d] * ub[d]
		}
		na, nb = math.Sqrt(na), math.Sqrt(nb)
		l.norms[i] = [2]float64{na, nb}
		l.cos[i] = dot / math.Max(na*nb, cosineEps)

		diff := l.cos[i] - float64(labels[i])
		l.value += diff * diff
	}
	l.value /= float64(len(labels))
	return l, nil
}
