package data

import (
	"math/rand/v2"
	"sync"
)

// Sampler yields the order in which dataset indices are visited in one epoch.
type Sampler interface {
	Indices() []int
	Len() int
}

// EpochSetter is implemented by samplers whose order depends on the epoch.
type EpochSetter interface {
	SetEpoch(epoch int)
}

// SequentialSampler visits 0..n-1 in order.
type SequentialSampler struct {
	n int
}

func NewSequentialSampler(n int) *SequentialSampler {
	return &SequentialSampler{n: n}
}

func (s *SequentialSampler) Len() int { return s.n }

func (s *SequentialSampler) Indices() []int {
	indices := make([]int, s.n)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

// RandomSampler visits a seeded permutation that changes with the epoch.
// The same seed and epoch always produce the same order.
type RandomSampler struct {
	n     int
	seed  uint64
	epoch int
	mutex sync.Mutex
}

func NewRandomSampler(n int, seed uint64) *RandomSampler {
	return &RandomSampler{n: n, seed: seed}
}

func (s *RandomSampler) Len() int { return s.n }

func (s *RandomSampler) SetEpoch(epoch int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.epoch = epoch
}

func (s *RandomSampler) Indices() []int {
	s.mutex.Lock()
	epoch := s.epoch
	s.mutex.Unlock()

	rng := rand.New(rand.NewPCG(s.seed, uint64(epoch)))
	return rng.Perm(s.n)
}
