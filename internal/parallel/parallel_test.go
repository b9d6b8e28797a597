package parallel

import (
	"sync/atomic"
	"testing"
)

func TestForVisitsEveryIndexOnce(t *testing.T) {
	for _, threads := range []int{1, 2, 4, 0} {
		p := New(threads)
		hits := make([]int32, 1000)
		p.For(len(hits), func(i int) {
			atomic.AddInt32(&hits[i], 1)
		})
		for i, h := range hits {
			if h != 1 {
				t.Fatalf("threads=%d: index %d visited %d times", threads, i, h)
			}
		}
	}
}

func TestRangeSmallRunsInline(t *testing.T) {
	p := New(8)
	calls := 0
	p.Range(10, func(lo, hi int) {
		calls++
		if lo != 0 || hi != 10 {
			t.Errorf("Expected [0,10), got [%d,%d)", lo, hi)
		}
	})
	if calls != 1 {
		t.Errorf("Expected 1 inline call, got %d", calls)
	}
	p.Range(0, func(lo, hi int) { t.Error("empty range should not call f") })
}

func TestFor2(t *testing.T) {
	p := New(3)
	var sum atomic.Int64
	p.For2(7, 11, func(a, b int) {
		sum.Add(int64(a*100 + b))
	})
	var want int64
	for a := 0; a < 7; a++ {
		for b := 0; b < 11; b++ {
			want += int64(a*100 + b)
		}
	}
	if sum.Load() != want {
		t.Errorf("Expected %d, got %d", want, sum.Load())
	}
}

func TestDefaultThreads(t *testing.T) {
	if New(0).Threads() < 1 {
		t.Error("default pool must have at least one thread")
	}
}
