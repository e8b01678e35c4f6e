package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

func TestBatchKeepsInputOrder(t *testing.T) {
	inputs := []int{3, 1, 2}
	got, err := Batch(context.Background(), 2, inputs, func(_ context.Context, n int) (string, error) {
		time.Sleep(time.Duration(n) * time.Millisecond)
		return fmt.Sprintf("v%d", n), nil
	})
	if err != nil {
		t.Fatalf("Batch() error = %v", err)
	}
	if want := []string{"v3", "v1", "v2"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Batch() = %v, want %v", got, want)
	}
}

func TestBatchRespectsLimit(t *testing.T) {
	var inflight, peak atomic.Int32
	inputs := make([]int, 10)
	_, err := Batch(context.Background(), 3, inputs, func(context.Context, int) (struct{}, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatalf("Batch() error = %v", err)
	}
	if got := peak.Load(); got > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", got)
	}
}

func TestBatchCollectsPartialFailures(t *testing.T) {
	boom := errors.New("unreachable")
	inputs := []string{"a", "b", "c"}
	got, err := Batch(context.Background(), 0, inputs, func(_ context.Context, s string) (string, error) {
		if s == "b" {
			return "", boom
		}
		return s + "!", nil
	})

	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("Batch() error = %v, want *BatchError", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Batch() error does not wrap member failure")
	}
	if batchErr.Errs[0] != nil || batchErr.Errs[1] == nil || batchErr.Errs[2] != nil {
		t.Errorf("Errs = %v", batchErr.Errs)
	}
	if want := []string{"a!", "", "c!"}; !reflect.DeepEqual(got, want) {
		t.Errorf("partial results = %v, want %v", got, want)
	}
}
