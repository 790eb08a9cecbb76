package engine

import (
	"context"
	"testing"

	"github.com/hunglin/concourse"
	"github.com/hunglin/concourse/revision"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	opts := concourse.DefaultEngineOptions()
	opts.BufferDirectory = dir + "/buffer"
	opts.DatabaseDirectory = dir + "/db"
	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return e
}

// End-to-end scenario 1: add then immediately fetch returns true, without
// waiting on the background transfer loop (read-your-writes).
func TestAddThenFetchIsImmediatelyVisible(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rec := e.Create()
	key := concourse.NewText("name")
	val := concourse.NewStringValue("alice")

	ok, err := e.Add(ctx, key, val, rec)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !ok {
		t.Fatalf("Add reported false on a fresh record")
	}

	found, err := e.Verify(ctx, key, val, rec)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !found {
		t.Fatalf("Verify should see the value added moments ago without a manual Transfer")
	}

	vals, err := e.Fetch(ctx, key, rec, concourse.Now())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(vals) != 1 || !vals[0].Equal(val) {
		t.Fatalf("Fetch = %v, want [%v]", vals, val)
	}
}

// Adding the same (key, value) twice fails with InvariantViolation.
func TestAddDuplicateFails(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rec := e.Create()
	key := concourse.NewText("name")
	val := concourse.NewStringValue("alice")

	if _, err := e.Add(ctx, key, val, rec); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	_, err := e.Add(ctx, key, val, rec)
	if err == nil {
		t.Fatalf("second Add of the same value should fail")
	}
	cerr, ok := err.(*concourse.Error)
	if !ok || cerr.Code != concourse.InvariantViolation {
		t.Fatalf("error = %v, want InvariantViolation", err)
	}
}

// End-to-end scenario 2: add/remove/add leaves exactly 3 audit entries in
// version order, and Live reflects the final ADD.
func TestAuditHistoryInsertionOrder(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rec := e.Create()
	key := concourse.NewText("name")
	val := concourse.NewStringValue("alice")

	if _, err := e.Add(ctx, key, val, rec); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Remove(ctx, key, val, rec); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Add(ctx, key, val, rec); err != nil {
		t.Fatal(err)
	}

	history, err := e.Audit(ctx, rec, &key)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].Version <= history[i-1].Version {
			t.Fatalf("history not in version order: %+v", history)
		}
	}

	found, err := e.Verify(ctx, key, val, rec)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatalf("value should be live after add/remove/add")
	}
}

// VERSION-MONO (spec §8): versions minted across many operations strictly
// increase.
func TestVersionsAreMonotonic(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rec := e.Create()

	var versions []int64
	for i := 0; i < 20; i++ {
		key := concourse.NewText("k")
		val := concourse.NewIntValue(int32(i))
		if _, err := e.Add(ctx, key, val, rec); err != nil {
			t.Fatal(err)
		}
		versions = append(versions, e.nowVersion())
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("version did not strictly increase: %v", versions)
		}
	}
}

// Set replaces whatever is currently live at key with exactly one value.
func TestSetReplacesLiveValue(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rec := e.Create()
	key := concourse.NewText("name")

	if _, err := e.Add(ctx, key, concourse.NewStringValue("alice"), rec); err != nil {
		t.Fatal(err)
	}
	if err := e.Set(ctx, key, concourse.NewStringValue("bob"), rec); err != nil {
		t.Fatalf("Set: %v", err)
	}

	vals, err := e.Fetch(ctx, key, rec, concourse.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 1 || vals[0].Str() != "bob" {
		t.Fatalf("Fetch after Set = %v, want [bob]", vals)
	}
}

// Clear removes every live value at key.
func TestClearRemovesAllLiveValues(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rec := e.Create()
	key := concourse.NewText("tag")

	if _, err := e.Add(ctx, key, concourse.NewStringValue("a"), rec); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Add(ctx, key, concourse.NewStringValue("b"), rec); err != nil {
		t.Fatal(err)
	}
	if err := e.Clear(ctx, key, rec); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	vals, err := e.Fetch(ctx, key, rec, concourse.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 0 {
		t.Fatalf("Fetch after Clear = %v, want none", vals)
	}
}

// VerifyAndSwap atomically swaps a live value for a new one.
func TestVerifyAndSwap(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rec := e.Create()
	key := concourse.NewText("status")

	if _, err := e.Add(ctx, key, concourse.NewStringValue("open"), rec); err != nil {
		t.Fatal(err)
	}
	swapped, err := e.VerifyAndSwap(ctx, key, concourse.NewStringValue("open"), concourse.NewStringValue("closed"), rec)
	if err != nil {
		t.Fatalf("VerifyAndSwap: %v", err)
	}
	if !swapped {
		t.Fatalf("VerifyAndSwap should report success when oldValue is live")
	}
	found, err := e.Verify(ctx, key, concourse.NewStringValue("closed"), rec)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatalf("new value should be live after swap")
	}

	swapped, err = e.VerifyAndSwap(ctx, key, concourse.NewStringValue("open"), concourse.NewStringValue("reopened"), rec)
	if err != nil {
		t.Fatal(err)
	}
	if swapped {
		t.Fatalf("VerifyAndSwap should fail when oldValue is no longer live")
	}
}

// IDEMPOTENT REVERT (spec §8): calling Revert twice in a row is a no-op the
// second time.
func TestRevertIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rec := e.Create()
	key := concourse.NewText("name")

	if _, err := e.Add(ctx, key, concourse.NewStringValue("alice"), rec); err != nil {
		t.Fatal(err)
	}
	snapshotVersion := e.nowVersion()
	if _, err := e.Remove(ctx, key, concourse.NewStringValue("alice"), rec); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Add(ctx, key, concourse.NewStringValue("bob"), rec); err != nil {
		t.Fatal(err)
	}

	if err := e.Revert(ctx, key, rec, concourse.At(snapshotVersion)); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	afterFirst, err := e.Audit(ctx, rec, &key)
	if err != nil {
		t.Fatal(err)
	}
	found, err := e.Verify(ctx, key, concourse.NewStringValue("alice"), rec)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatalf("Revert should restore \"alice\" as live at the snapshot version")
	}

	if err := e.Revert(ctx, key, rec, concourse.At(snapshotVersion)); err != nil {
		t.Fatalf("second Revert: %v", err)
	}
	afterSecond, err := e.Audit(ctx, rec, &key)
	if err != nil {
		t.Fatal(err)
	}
	if len(afterSecond) != len(afterFirst) {
		t.Fatalf("second Revert was not a no-op: history grew from %d to %d entries", len(afterFirst), len(afterSecond))
	}
}

// Staging: a transaction's writes are invisible until Commit.
func TestStagedWriteInvisibleUntilCommit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rec := e.Create()
	key := concourse.NewText("name")
	val := concourse.NewStringValue("alice")

	id := e.Stage()
	if err := e.StageWrite(id, key, rec, val, revision.ADD); err != nil {
		t.Fatalf("StageWrite: %v", err)
	}

	found, err := e.Verify(ctx, key, val, rec)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatalf("staged write should not be visible before Commit")
	}

	if err := e.Commit(ctx, id); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	found, err = e.Verify(ctx, key, val, rec)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatalf("write should be visible after Commit")
	}
}

// §3 invariant 7: reads within a transaction merge with its own pending
// writes, even though the rest of the world can't see them yet.
func TestFetchInTxnSeesOwnPendingWrite(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rec := e.Create()
	key := concourse.NewText("name")
	val := concourse.NewStringValue("alice")

	id := e.Stage()
	if err := e.StageWrite(id, key, rec, val, revision.ADD); err != nil {
		t.Fatalf("StageWrite: %v", err)
	}

	vals, err := e.FetchInTxn(id, key, rec)
	if err != nil {
		t.Fatalf("FetchInTxn: %v", err)
	}
	if len(vals) != 1 || !vals[0].Equal(val) {
		t.Fatalf("FetchInTxn = %v, want [%v]: a transaction must see its own pending write", vals, val)
	}

	outside, err := e.Verify(ctx, key, val, rec)
	if err != nil {
		t.Fatal(err)
	}
	if outside {
		t.Fatalf("the pending write must still be invisible to other readers before Commit")
	}

	if err := e.Commit(ctx, id); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	found, err := e.Verify(ctx, key, val, rec)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatalf("write should be visible after Commit")
	}
}

// A pending REMOVE staged within a transaction hides a value that is still
// live outside it, from that transaction's own reads.
func TestFetchInTxnSeesOwnPendingRemove(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rec := e.Create()
	key := concourse.NewText("name")
	val := concourse.NewStringValue("alice")

	if _, err := e.Add(ctx, key, val, rec); err != nil {
		t.Fatal(err)
	}

	id := e.Stage()
	if err := e.StageWrite(id, key, rec, val, revision.REMOVE); err != nil {
		t.Fatalf("StageWrite: %v", err)
	}

	vals, err := e.FetchInTxn(id, key, rec)
	if err != nil {
		t.Fatalf("FetchInTxn: %v", err)
	}
	if len(vals) != 0 {
		t.Fatalf("FetchInTxn = %v, want none: pending REMOVE should hide the value from this transaction", vals)
	}

	found, err := e.Verify(ctx, key, val, rec)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatalf("the value must still be live to readers outside the transaction before Commit")
	}
}

func TestAbortDiscardsStagedWrite(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	rec := e.Create()
	key := concourse.NewText("name")
	val := concourse.NewStringValue("alice")

	id := e.Stage()
	if err := e.StageWrite(id, key, rec, val, revision.ADD); err != nil {
		t.Fatal(err)
	}
	if err := e.Abort(id); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	found, err := e.Verify(ctx, key, val, rec)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatalf("aborted write must never become visible")
	}
}

func TestGetServerVersionAndPing(t *testing.T) {
	e := newTestEngine(t)
	if e.GetServerVersion() == "" {
		t.Fatalf("GetServerVersion should be non-empty")
	}
	if err := e.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
