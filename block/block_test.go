package block

import (
	"path/filepath"
	"testing"

	"github.com/hunglin/concourse"
	"github.com/hunglin/concourse/revision"
)

func TestPrimaryBlockMutableSeek(t *testing.T) {
	b := NewPrimary("primary-00000")
	loc := concourse.PrimaryKey(1)
	v := concourse.NewStringValue("alice").WithVersion(1)
	if _, err := b.Insert(loc, concourse.NewText("name"), v, 1, revision.ADD); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !b.IsMutable() {
		t.Fatalf("fresh block should be mutable")
	}
	revs, err := b.Seek(loc, nil)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if len(revs) != 1 || !revs[0].Value().Equal(v) {
		t.Fatalf("Seek = %+v, want one revision with value %v", revs, v)
	}
}

// ROUND-TRIP (spec §8): a Block's revisions survive Flush + mmap'd Seek.
func TestPrimaryBlockFlushAndSeek(t *testing.T) {
	dir := t.TempDir()
	b := NewPrimary("primary-00001")
	loc1 := concourse.PrimaryKey(1)
	loc2 := concourse.PrimaryKey(2)

	if _, err := b.Insert(loc1, concourse.NewText("name"), concourse.NewStringValue("alice").WithVersion(1), 1, revision.ADD); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Insert(loc2, concourse.NewText("name"), concourse.NewStringValue("bob").WithVersion(2), 2, revision.ADD); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Insert(loc1, concourse.NewText("age"), concourse.NewIntValue(30).WithVersion(3), 3, revision.ADD); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "primary-00001.blk")
	if err := b.Flush(path); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if b.State() != Immutable {
		t.Fatalf("state after Flush = %v, want Immutable", b.State())
	}
	if err := b.Flush(path); err == nil {
		t.Fatalf("second Flush should fail, block is already immutable")
	}

	revs, err := b.Seek(loc1, nil)
	if err != nil {
		t.Fatalf("Seek after flush: %v", err)
	}
	if len(revs) != 2 {
		t.Fatalf("Seek(loc1) returned %d revisions, want 2", len(revs))
	}

	if !b.MightContain(loc1) {
		t.Fatalf("bloom filter should report loc1 present")
	}
	if b.MightContain(concourse.PrimaryKey(999)) {
		t.Fatalf("bloom filter unexpectedly matched an absent locator (possible but statistically very unlikely for this test size)")
	}

	if err := b.Retire(); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if b.State() != Retired {
		t.Fatalf("state after Retire = %v, want Retired", b.State())
	}
}

func TestBlockImmutableRejectsInsert(t *testing.T) {
	dir := t.TempDir()
	b := NewSecondary("secondary-00000")
	if _, err := b.Insert(concourse.NewText("age"), concourse.NewIntValue(30), concourse.PrimaryKey(1), 1, revision.ADD); err != nil {
		t.Fatal(err)
	}
	if err := b.Flush(filepath.Join(dir, "secondary-00000.blk")); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Insert(concourse.NewText("age"), concourse.NewIntValue(40), concourse.PrimaryKey(2), 2, revision.ADD); err == nil {
		t.Fatalf("Insert after Flush should fail with ErrBlockImmutable")
	}
}
