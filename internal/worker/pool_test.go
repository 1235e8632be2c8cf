package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewPoolDefaultConcurrency(t *testing.T) {
	p := NewPool[string](0)
	if p.Concurrency() != runtime.NumCPU() {
		t.Errorf("expected concurrency %d, got %d", runtime.NumCPU(), p.Concurrency())
	}
	if NewPool[string](-1).Concurrency() != runtime.NumCPU() {
		t.Errorf("expected NumCPU for -1")
	}
	if NewPool[string](4).Concurrency() != 4 {
		t.Errorf("expected explicit concurrency to be kept")
	}
}

func TestProcessEmpty(t *testing.T) {
	p := NewPool[string](2)
	results := p.Process(context.Background(), nil, func(_ context.Context, d string) (string, error) {
		return d, nil
	})
	if results != nil {
		t.Errorf("expected nil results for empty input, got %v", results)
	}
}

func TestProcessPreservesOrder(t *testing.T) {
	p := NewPool[string](4)
	domains := []string{"trades", "ops", "research", "infra", "mail", "notes"}

	results := p.Process(context.Background(), domains, func(_ context.Context, d string) (string, error) {
		return "checked-" + d, nil
	})

	if len(results) != len(domains) {
		t.Fatalf("expected %d results, got %d", len(domains), len(results))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Errorf("result[%d] unexpected error: %v", i, r.Err)
		}
		if r.Domain != domains[i] || r.Index != i {
			t.Errorf("result[%d] = {%d %q}, expected {%d %q}", i, r.Index, r.Domain, i, domains[i])
		}
		if r.Value != "checked-"+domains[i] {
			t.Errorf("result[%d].Value = %q", i, r.Value)
		}
	}
}

func TestProcessCapturesErrors(t *testing.T) {
	p := NewPool[int](2)
	boom := errors.New("boom")

	results := p.Process(context.Background(), []string{"a", "bad", "c"}, func(_ context.Context, d string) (int, error) {
		if d == "bad" {
			return 0, boom
		}
		return 1, nil
	})

	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("healthy domains should succeed: %v, %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, boom) {
		t.Errorf("result[1].Err = %v, expected boom", results[1].Err)
	}
}

func TestProcessConcurrency(t *testing.T) {
	p := NewPool[int](4)

	var peak, current int64
	domains := make([]string, 20)
	for i := range domains {
		domains[i] = fmt.Sprintf("domain-%d", i)
	}

	p.Process(context.Background(), domains, func(context.Context, string) (int, error) {
		c := atomic.AddInt64(&current, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if c <= old || atomic.CompareAndSwapInt64(&peak, old, c) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return 1, nil
	})

	if got := atomic.LoadInt64(&peak); got < 2 {
		t.Errorf("expected concurrent execution (peak=%d), got sequential", got)
	}
	if got := atomic.LoadInt64(&peak); got > 4 {
		t.Errorf("peak %d exceeds concurrency 4", got)
	}
}

func TestProcessCancelledContextSkipsWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int64
	results := NewPool[int](2).Process(ctx, []string{"a", "b", "c"}, func(context.Context, string) (int, error) {
		atomic.AddInt64(&calls, 1)
		return 1, nil
	})

	if calls != 0 {
		t.Errorf("expected no calls after cancel, got %d", calls)
	}
	for i, r := range results {
		if !errors.Is(r.Err, context.Canceled) {
			t.Errorf("result[%d].Err = %v, expected context.Canceled", i, r.Err)
		}
	}
}

func BenchmarkPoolProcess(b *testing.B) {
	domains := make([]string, 100)
	for i := range domains {
		domains[i] = fmt.Sprintf("domain-%d", i)
	}
	ctx := context.Background()
	b.ResetTimer()
	for range b.N {
		_ = NewPool[string](4).Process(ctx, domains, func(_ context.Context, d string) (string, error) {
			return d + "-done", nil
		})
	}
}
