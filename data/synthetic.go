package data

import (
	"fmt"
	"math/rand/v2"
)

// SyntheticConfig shapes a generated pair corpus.
type SyntheticConfig struct {
	Pairs     int
	SeqLen    int
	VocabSize int // token 0 is padding; real tokens are drawn from [1, VocabSize)
	Seed      uint64
}

// SyntheticPairs generates sentence pairs whose label is the fraction of
// tokens the second sentence shares with the first, so lexical overlap is
// a learnable similarity signal. Every sentence has at least one real token.
func SyntheticPairs(config SyntheticConfig) (*PairDataset, error) {
	if config.Pairs <= 0 || config.SeqLen <= 0 {
		return nil, fmt.Errorf("pairs and sequence length must be positive, got %d and %d", config.Pairs, config.SeqLen)
	}
	if config.VocabSize < 2 {
		return nil, fmt.Errorf("vocab size must be at least 2, got %d", config.VocabSize)
	}

	rng := rand.New(rand.NewPCG(config.Seed, 0x9e3779b97f4a7c15))
	token := func() int32 { return int32(1 + rng.IntN(config.VocabSize-1)) }

	n := config.Pairs
	idsA, maskA := make([][]int32, n), make([][]int32, n)
	idsB, maskB := make([][]int32, n), make([][]int32, n)
	labels := make([]float32, n)

	for i := range n {
		length := 1 + rng.IntN(config.SeqLen)
		overlap := rng.Float64()

		a, ma := make([]int32, config.SeqLen), make([]int32, config.SeqLen)
		b, mb := make([]int32, config.SeqLen), make([]int32, config.SeqLen)
		shared := 0
		for j := range length {
			a[j], ma[j] = token(), 1
			if rng.Float64() < overlap {
				b[j] = a[j]
				shared++
			} else {
				b[j] = token()
			}
			mb[j] = 1
		}

		idsA[i], maskA[i], idsB[i], maskB[i] = a, ma, b, mb
		labels[i] = float32(shared) / float32(length)
	}

	return NewPairDataset(idsA, maskA, idsB, maskB, labels)
}
