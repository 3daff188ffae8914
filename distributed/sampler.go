package distributed

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/tsawler/embedtrain/data"
)

// DistributedSampler restricts a dataset of N examples to the shard of one
// rank. The index list is padded with leading indices (or truncated when
// DropLast is set) to a multiple of Replicas, optionally shuffled with
// Seed+epoch, and rank r takes every Replicas-th index starting at r. Every
// rank must use the same Seed so the shards stay disjoint.
type DistributedSampler struct {
	N        int
	Replicas int
	Rank     int
	Shuffle  bool
	Seed     uint64
	DropLast bool

	epoch int
	mutex sync.Mutex
}

var (
	_ data.Sampler     = (*DistributedSampler)(nil)
	_ data.EpochSetter = (*DistributedSampler)(nil)
)

// NewDistributedSampler validates the shard layout and returns the sampler.
func NewDistributedSampler(n, replicas, rank int, shuffle bool, seed uint64) (*DistributedSampler, error) {
	if replicas < 1 {
		return nil, fmt.Errorf("replicas must be positive, got %d", replicas)
	}
	if rank < 0 || rank >= replicas {
		return nil, fmt.Errorf("rank %d out of range [0, %d)", rank, replicas)
	}
	if n < 0 {
		return nil, fmt.Errorf("dataset size cannot be negative: %d", n)
	}
	return &DistributedSampler{N: n, Replicas: replicas, Rank: rank, Shuffle: shuffle, Seed: seed}, nil
}

func (s *DistributedSampler) SetEpoch(epoch int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.epoch = epoch
}

// Len is the number of indices this rank visits per epoch.
func (s *DistributedSampler) Len() int {
	if s.DropLast {
		return s.N / s.Replicas
	}
	return (s.N + s.Replicas - 1) / s.Replicas
}

func (s *DistributedSampler) Indices() []int {
	s.mutex.Lock()
	epoch := s.epoch
	s.mutex.Unlock()

	var indices []int
	if s.Shuffle {
		indices = rand.New(rand.NewPCG(s.Seed+uint64(epoch), 0)).Perm(s.N)
	} else {
		indices = make([]int, s.N)
		for i := range indices {
			indices[i] = i
		}
	}

	total := s.Len() * s.Replicas
	if total <= len(indices) {
		indices = indices[:total]
	} else if len(indices) > 0 {
		for i := 0; len(indices) < total; i++ {
			indices = append(indices, indices[i])
		}
	}

	shard := make([]int, 0, s.Len())
	for i := s.Rank; i < len(indices); i += s.Replicas {
		shard = append(shard, indices[i])
	}
	return shard
}

// ShardLoader rebuilds loader over the same dataset and batch size with a
// DistributedSampler for rank.
func ShardLoader(loader *data.Loader, rank, worldSize int, shuffle bool, seed uint64) (*data.Loader, error) {
	sampler, err := NewDistributedSampler(loader.Dataset().Len(), worldSize, rank, shuffle, seed)
	if err != nil {
		return nil, err
	}
	return data.NewLoader(loader.Dataset(), data.LoaderConfig{
		BatchSize: loader.BatchSize(),
		DropLast:  loader.DropLast(),
		Prefetch:  loader.Prefetch(),
		Sampler:   sampler,
	})
}
