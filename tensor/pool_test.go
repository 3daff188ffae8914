package tensor

import (
	"strings"
	"sync"
	"testing"
)

func TestBucketSize(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 4},
		{5, 8},
		{8, 8},
		{9, 16},
		{100, 128},
		{1024, 1024},
		{1025, 2048},
	}

	for _, test := range tests {
		if result := bucketSize(test.input); result != test.expected {
			t.Errorf("bucketSize(%d) = %d; expected %d", test.input, result, test.expected)
		}
	}
}

func TestBufferPoolGetPut(t *testing.T) {
	pool := NewBufferPool()

	buf := pool.Get(100)
	if len(buf) != 100 || cap(buf) != 128 {
		t.Fatalf("Expected len 100 cap 128, got len %d cap %d", len(buf), cap(buf))
	}
	pool.Put(buf)

	again := pool.Get(120)
	if len(again) != 120 {
		t.Errorf("Expected len 120, got %d", len(again))
	}
	pool.Put(again)

	stats := pool.Stats()[128]
	if stats.Gets != 2 || stats.Puts != 2 || stats.InUse != 0 || stats.MaxInUse != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.Misses < 1 {
		t.Errorf("Expected at least the first Get to miss, got %d misses", stats.Misses)
	}

	// Foreign buffers are ignored.
	pool.Put(make([]float32, 3))
	pool.Put(nil)
	if _, ok := pool.Stats()[3]; ok {
		t.Error("Foreign buffer created a bucket")
	}

	if !strings.Contains(pool.String(), "Size 128: Gets=2, Puts=2") {
		t.Errorf("Unexpected String(): %q", pool.String())
	}
}

func TestBufferPoolConcurrent(t *testing.T) {
	pool := NewBufferPool()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				buf := pool.Get(64)
				buf[0] = float32(i)
				pool.Put(buf)
			}
		}()
	}
	wg.Wait()

	if stats := pool.Stats()[64]; stats.Gets != 800 || stats.InUse != 0 {
		t.Errorf("Unexpected stats after concurrent use: %+v", stats)
	}
}

func TestFlattenGradsInto(t *testing.T) {
	a, _ := NewParameter("a", []int{2}, []float32{0, 0})
	b, _ := NewParameter("b", []int{1}, []float32{0})
	a.Grad[0], a.Grad[1], b.Grad[0] = 1, 2, 3

	pool := NewBufferPool()
	buf := pool.Get(NumElements([]*Parameter{a, b}))
	got := FlattenGradsInto([]*Parameter{a, b}, buf)
	want := []float32{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Index %d: expected %f, got %f", i, want[i], got[i])
		}
	}
}
