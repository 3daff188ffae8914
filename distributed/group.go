package distributed

import (
	"context"
	"fmt"
	"sync"
)

// rendezvous is the shared state of one group. Every field is guarded by mu.
type rendezvous struct {
	mu        sync.Mutex
	cond      *sync.Cond
	key       string
	worldSize int
	joined    map[int]bool
	left      int
	err       error

	// current collective
	gen     uint64
	arrived int
	acc     []float32
	result  []float32
}

var registry = struct {
	sync.Mutex
	groups map[string]*rendezvous
}{groups: make(map[string]*rendezvous)}

// Group is one worker's membership in a process group.
type Group struct {
	r         *rendezvous
	rank      int
	stopAbort func() bool
	closeOnce sync.Once
	closed    bool // guarded by r.mu
}

// Join blocks until worldSize workers have joined the rendezvous named by
// cfg, then returns this worker's membership. Cancelling ctx after Join
// returns aborts the group.
func Join(ctx context.Context, cfg Config, rank, worldSize int) (*Group, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if worldSize < 1 {
		return nil, fmt.Errorf("%w: world size must be positive, got %d", ErrRendezvous, worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("%w: rank %d out of range [0, %d)", ErrRendezvous, rank, worldSize)
	}

	key := cfg.Address()
	registry.Lock()
	r, ok := registry.groups[key]
	if !ok {
		r = &rendezvous{key: key, worldSize: worldSize, joined: make(map[int]bool)}
		r.cond = sync.NewCond(&r.mu)
		registry.groups[key] = r
	}
	registry.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.worldSize != worldSize {
		return nil, fmt.Errorf("%w: %s expects world size %d, got %d", ErrRendezvous, key, r.worldSize, worldSize)
	}
	if r.joined[rank] {
		return nil, fmt.Errorf("%w: rank %d already joined %s", ErrRendezvous, rank, key)
	}
	r.joined[rank] = true

	if len(r.joined) == worldSize {
		// Complete groups leave the registry so the address can be reused
		registry.Lock()
		if registry.groups[key] == r {
			delete(registry.groups, key)
		}
		registry.Unlock()
		r.cond.Broadcast()
	} else {
		stop := context.AfterFunc(ctx, r.wake)
		for len(r.joined) < worldSize && ctx.Err() == nil {
			r.cond.Wait()
		}
		stop()
		if len(r.joined) < worldSize {
			delete(r.joined, rank)
			if len(r.joined) == 0 {
				registry.Lock()
				if registry.groups[key] == r {
					delete(registry.groups, key)
				}
				registry.Unlock()
			}
			return nil, fmt.Errorf("%w: waiting for %d of %d workers at %s: %w", ErrRendezvous, worldSize-len(r.joined), worldSize, key, ctx.Err())
		}
	}

	g := &Group{r: r, rank: rank}
	g.stopAbort = context.AfterFunc(ctx, func() {
		g.Abort(ctx.Err())
	})
	return g, nil
}

func (r *rendezvous) wake() {
	r.mu.Lock()
	r.cond.Broadcast()
	r.mu.Unlock()
}

// abortLocked records the first failure and wakes every waiter.
func (r *rendezvous) abortLocked(cause error) error {
	if r.err == nil {
		if cause == nil {
			r.err = ErrAborted
		} else {
			r.err = fmt.Errorf("%w: %w", ErrAborted, cause)
		}
		r.cond.Broadcast()
	}
	return r.err
}

func (g *Group) Rank() int      { return g.rank }
func (g *Group) WorldSize() int { return g.r.worldSize }

// Abort fails every pending and future collective of the group, on every rank.
func (g *Group) Abort(cause error) {
	g.r.mu.Lock()
	defer g.r.mu.Unlock()
	g.r.abortLocked(cause)
}

// Close leaves the group. Peers blocked in a collective this worker will
// never enter are aborted. Close is idempotent.
func (g *Group) Close() error {
	g.closeOnce.Do(func() {
		if g.stopAbort != nil {
			g.stopAbort()
		}
		r := g.r
		r.mu.Lock()
		defer r.mu.Unlock()
		g.closed = true
		r.left++
		if r.arrived > 0 {
			r.abortLocked(fmt.Errorf("rank %d left during a collective", g.rank))
		}
	})
	return nil
}

// AllReduceSum replaces buf on every rank with the element-wise sum of all
// ranks' buffers. Every rank must call it with the same length.
func (g *Group) AllReduceSum(ctx context.Context, buf []float32) error {
	return g.allReduce(ctx, buf, buf)
}

// AllReduceMean replaces buf on every rank with the element-wise mean.
func (g *Group) AllReduceMean(ctx context.Context, buf []float32) error {
	if err := g.allReduce(ctx, buf, buf); err != nil {
		return err
	}
	n := float32(g.r.worldSize)
	for i := range buf {
		buf[i] /= n
	}
	return nil
}

// Broadcast copies root's buf into buf on every other rank.
func (g *Group) Broadcast(ctx context.Context, buf []float32, root int) error {
	if root < 0 || root >= g.r.worldSize {
		return fmt.Errorf("broadcast root %d out of range [0, %d)", root, g.r.worldSize)
	}
	contribution := buf
	if g.rank != root {
		contribution = make([]float32, len(buf))
	}
	return g.allReduce(ctx, contribution, buf)
}

// Barrier blocks until every rank reaches it.
func (g *Group) Barrier(ctx context.Context) error {
	return g.allReduce(ctx, nil, nil)
}

// allReduce adds in into the shared accumulator, waits for every rank and
// copies the sum into out.
func (g *Group) allReduce(ctx context.Context, in, out []float32) error {
	r := g.r
	r.mu.Lock()
	defer r.mu.Unlock()

	if g.closed {
		return fmt.Errorf("rank %d: collective on a closed group", g.rank)
	}
	if r.err != nil {
		return r.err
	}
	if r.left > 0 {
		return r.abortLocked(fmt.Errorf("collective after %d rank(s) left", r.left))
	}
	if err := ctx.Err(); err != nil {
		return r.abortLocked(err)
	}

	if r.arrived == 0 {
		r.acc = make([]float32, len(in))
	} else if len(in) != len(r.acc) {
		return r.abortLocked(fmt.Errorf("rank %d contributed %d elements, expected %d", g.rank, len(in), len(r.acc)))
	}
	for i, v := range in {
		r.acc[i] += v
	}
	r.arrived++

	gen := r.gen
	if r.arrived == r.worldSize {
		r.result, r.acc = r.acc, nil
		r.arrived = 0
		r.gen++
		r.cond.Broadcast()
	} else {
		stop := context.AfterFunc(ctx, r.wake)
		defer stop()
		for r.gen == gen && r.err == nil && ctx.Err() == nil {
			r.cond.Wait()
		}
		if r.gen == gen {
			if r.err != nil {
				return r.err
			}
			return r.abortLocked(ctx.Err())
		}
	}

	copy(out, r.result)
	return nil
}
