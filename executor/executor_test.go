package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestNamedReturnsSameInstanceForSameName(t *testing.T) {
	p1 := Named("test-pool-identity", 4)
	p2 := Named("test-pool-identity", 99) // limit ignored on second call
	if p1 != p2 {
		t.Fatalf("Named should return the same *Pool for a repeated name")
	}
}

func TestRunWaitsForEveryTask(t *testing.T) {
	p := Named("test-pool-run", 4)
	var completed atomic.Int32
	tasks := make([]func(context.Context) error, 10)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			completed.Add(1)
			return nil
		}
	}
	if err := p.Run(context.Background(), tasks); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if completed.Load() != int32(len(tasks)) {
		t.Fatalf("completed = %d, want %d", completed.Load(), len(tasks))
	}
}

func TestRunPropagatesFirstError(t *testing.T) {
	p := Named("test-pool-error", 2)
	want := errors.New("boom")
	tasks := []func(context.Context) error{
		func(context.Context) error { return nil },
		func(context.Context) error { return want },
	}
	err := p.Run(context.Background(), tasks)
	if err == nil {
		t.Fatalf("Run should surface the failing task's error")
	}
}
