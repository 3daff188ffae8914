// Package evaluation scores an embedder on a sentence-similarity benchmark:
// the cosine similarity of each pair against its gold label, summarized by
// Pearson and Spearman correlation.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/embedtrain/amp"
	"github.com/tsawler/embedtrain/data"
	"github.com/tsawler/embedtrain/model"
)

// ErrBatchLayout is returned for evaluation batches that are not
// (ids_a, mask_a, ids_b, mask_b, label).
var ErrBatchLayout = errors.New("evaluation: malformed batch")

// Result holds the correlation of predicted similarities with gold labels.
type Result struct {
	Pearson  float64
	Spearman float64
}

// Score is the mean of both coefficients.
func (r Result) Score() float64 {
	return (r.Pearson + r.Spearman) / 2
}

// Evaluate embeds both sides of every pair in loader with model in eval
// mode and reduced precision, then correlates the row-wise cosine
// similarities with the labels.
func Evaluate(ctx context.Context, m model.Embedder, loader *data.Loader) (Result, error) {
	m.Eval()
	ctx = amp.WithAutocast(ctx, amp.Float16)

	var rowsA, rowsB []float64
	var labels []float64
	dim := 0
	for batch, err := range loader.All(ctx) {
		if err != nil {
			return Result{}, err
		}
		if len(batch) != model.PairArity {
			return Result{}, fmt.Errorf("%w: expected %d tensors, got %d", ErrBatchLayout, model.PairArity, len(batch))
		}
		ea, err := m.Embed(ctx, batch[0], batch[1])
		if err != nil {
			return Result{}, fmt.Errorf("embed side a: %w", err)
		}
		eb, err := m.Embed(ctx, batch[2], batch[3])
		if err != nil {
			return Result{}, fmt.Errorf("embed side b: %w", err)
		}
		if ea.Rows() != eb.Rows() || ea.RowSize() != eb.RowSize() || ea.Rows() != batch[4].NumElems {
			return Result{}, fmt.Errorf("%w: embeddings %v and %v for %d labels", ErrBatchLayout, ea.Shape, eb.Shape, batch[4].NumElems)
		}
		dim = ea.RowSize()
		for _, v := range ea.Floats() {
			rowsA = append(rowsA, float64(v))
		}
		for _, v := range eb.Floats() {
			rowsB = append(rowsB, float64(v))
		}
		for _, v := range batch[4].Floats() {
			labels = append(labels, float64(v))
		}
	}
	if len(labels) < 2 {
		return Result{}, fmt.Errorf("evaluation needs at least 2 pairs, got %d", len(labels))
	}

	a := mat.NewDense(len(labels), dim, rowsA)
	b := mat.NewDense(len(labels), dim, rowsB)
	sims := PairwiseCosine(a, b)
	return Result{
		Pearson:  Pearson(sims, labels),
		Spearman: Spearman(sims, labels),
	}, nil
}

// CosineSim returns the m×n matrix of cosine similarities between the rows
// of a (m×d) and b (n×d). A zero-norm row yields NaN.
func CosineSim(a, b mat.Matrix) *mat.Dense {
	var sims mat.Dense
	sims.Mul(a, b.T())

	na, nb := rowNorms(a), rowNorms(b)
	sims.Apply(func(i, j int, v float64) float64 {
		return v / (na[i] * nb[j])
	}, &sims)
	return &sims
}

// PairwiseCosine returns the similarity of row i of a with row i of b: the
// diagonal of CosineSim(a, b) without the off-diagonal work.
func PairwiseCosine(a, b *mat.Dense) []float64 {
	ra, ca := a.Dims()
	rb, cb := b.Dims()
	if ra != rb || ca != cb {
		panic(fmt.Sprintf("evaluation: shape mismatch %dx%d and %dx%d", ra, ca, rb, cb))
	}

	sims := make([]float64, ra)
	for i := range sims {
		u, v := a.RawRowView(i), b.RawRowView(i)
		sims[i] = floats.Dot(u, v) / (floats.Norm(u, 2) * floats.Norm(v, 2))
	}
	return sims
}

func rowNorms(a mat.Matrix) []float64 {
	r, _ := a.Dims()
	norms := make([]float64, r)
	for i := range norms {
		norms[i] = floats.Norm(mat.Row(nil, i, a), 2)
	}
	return norms
}

// Pearson is the Pearson correlation coefficient of x and y.
func Pearson(x, y []float64) float64 {
	return stat.Correlation(x, y, nil)
}

// Spearman is the Pearson correlation of the ranks of x and y, with tied
// values sharing their average rank.
func Spearman(x, y []float64) float64 {
	return stat.Correlation(ranks(x), ranks(y), nil)
}

func ranks(x []float64) []float64 {
	order := make([]int, len(x))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return x[order[i]] < x[order[j]] })

	r := make([]float64, len(x))
	for i := 0; i < len(order); {
		j := i + 1
		for j < len(order) && x[order[j]] == x[order[i]] {
			j++
		}
		// positions i..j-1 hold equal values; ranks are 1-based
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			r[order[k]] = avg
		}
		i = j
	}
	if hasNaN(x) {
		for i := range r {
			r[i] = math.NaN()
		}
	}
	return r
}

func hasNaN(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
