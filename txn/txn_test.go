package txn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hunglin/concourse"
	"github.com/hunglin/concourse/lockservice"
)

func noConflict(lockservice.Token, int64) (bool, error) { return false, nil }

func TestCommitAppliesWritesInTokenHashOrder(t *testing.T) {
	locks := lockservice.NewMemory()
	tr := New(locks, 0, time.Second)

	tokA := lockservice.NewToken("a")
	tokB := lockservice.NewToken("b")

	var applied []string
	tr.Stage(tokA, func(version int64) error { applied = append(applied, "a"); return nil })
	tr.Stage(tokB, func(version int64) error { applied = append(applied, "b"); return nil })

	seq := int64(0)
	next := func() int64 { seq++; return seq }

	if err := tr.Commit(context.Background(), noConflict, next); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied %d writes, want 2", len(applied))
	}
	want := []string{"a", "b"}
	if tokB.Hash() < tokA.Hash() {
		want = []string{"b", "a"}
	}
	if applied[0] != want[0] || applied[1] != want[1] {
		t.Fatalf("applied order = %v, want %v (ascending token hash)", applied, want)
	}
	if !tr.IsDone() {
		t.Fatalf("transaction should be done after commit")
	}
}

// ISOLATION (spec §8): two concurrent transactions staging a write to the
// same token cannot both commit; the later one observes a conflict.
func TestConcurrentWriteConflictRejectsOneCommit(t *testing.T) {
	locks := lockservice.NewMemory()
	tok := lockservice.NewToken("shared")

	tr1 := New(locks, 0, time.Second)
	tr2 := New(locks, 0, time.Second)

	tr1.Stage(tok, func(version int64) error { return nil })
	tr2.Stage(tok, func(version int64) error { return nil })

	var mu sync.Mutex
	committedVersions := map[lockservice.Token]int64{}
	validate := func(token lockservice.Token, asOf int64) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		v, ok := committedVersions[token]
		return ok && v > asOf, nil
	}

	seq := int64(0)
	var seqMu sync.Mutex
	next := func() int64 {
		seqMu.Lock()
		defer seqMu.Unlock()
		seq++
		mu.Lock()
		committedVersions[tok] = seq
		mu.Unlock()
		return seq
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = tr1.Commit(context.Background(), validate, next) }()
	go func() { defer wg.Done(); errs[1] = tr2.Commit(context.Background(), validate, next) }()
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one transaction to commit, got %d successes: %v", successes, errs)
	}
}

func TestCommitRejectsReadSetConflict(t *testing.T) {
	locks := lockservice.NewMemory()
	tr := New(locks, 5, time.Second)
	tok := lockservice.NewToken("x")
	tr.RecordRead(tok, 5)

	validate := func(token lockservice.Token, asOf int64) (bool, error) {
		return true, nil // pretend something newer committed since asOf
	}
	next := func() int64 { return 6 }

	err := tr.Commit(context.Background(), validate, next)
	if err == nil {
		t.Fatalf("expected a conflict error")
	}
	cerr, ok := err.(*concourse.Error)
	if !ok || cerr.Code != concourse.TransactionConflict {
		t.Fatalf("Commit error = %v, want TransactionConflict", err)
	}
}

func TestStageOverridesPriorRead(t *testing.T) {
	locks := lockservice.NewMemory()
	tr := New(locks, 0, time.Second)
	tok := lockservice.NewToken("x")
	tr.RecordRead(tok, 1)
	tr.Stage(tok, func(version int64) error { return nil })

	if _, ok := tr.PendingWrite(tok); !ok {
		t.Fatalf("Stage should register a pending write")
	}
	if err := tr.Commit(context.Background(), noConflict, func() int64 { return 1 }); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestAbortDiscardsWrites(t *testing.T) {
	locks := lockservice.NewMemory()
	tr := New(locks, 0, time.Second)
	tok := lockservice.NewToken("x")

	applied := false
	tr.Stage(tok, func(version int64) error { applied = true; return nil })
	tr.Abort()
	if !tr.IsDone() {
		t.Fatalf("transaction should be done after abort")
	}
	if _, ok := tr.PendingWrite(tok); ok {
		t.Fatalf("Abort should clear the write set")
	}
	if applied {
		t.Fatalf("Abort must not apply staged writes")
	}
}

func TestCommitTwiceFailsFinalized(t *testing.T) {
	locks := lockservice.NewMemory()
	tr := New(locks, 0, time.Second)
	if err := tr.Commit(context.Background(), noConflict, func() int64 { return 1 }); err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	err := tr.Commit(context.Background(), noConflict, func() int64 { return 2 })
	if err == nil {
		t.Fatalf("second Commit on a finalized transaction should fail")
	}
}
