package record

import (
	"testing"

	"github.com/hunglin/concourse"
	"github.com/hunglin/concourse/revision"
)

func rev(locator concourse.PrimaryKey, key string, value concourse.Value, version int64, action revision.Action) revision.Primary {
	return revision.NewPrimary(locator, concourse.NewText(key), value.WithVersion(version), version, action)
}

// PARITY (spec §8): the live state at any t equals
// (count(ADD, version<=t) - count(REMOVE, version<=t)) mod 2 == 1.
func TestRecordParity(t *testing.T) {
	loc := concourse.PrimaryKey(1)
	v := concourse.NewStringValue("alice")
	revs := []revision.Primary{
		rev(loc, "name", v, 1, revision.ADD),
		rev(loc, "name", v, 2, revision.REMOVE),
		rev(loc, "name", v, 3, revision.ADD),
	}
	r := New(loc, revs)

	cases := []struct {
		t    int64
		want bool
	}{
		{0, false},
		{1, true},
		{2, false},
		{3, true},
		{100, true},
	}
	for _, c := range cases {
		live := r.Live(c.t)
		found := false
		for _, kv := range live {
			if kv.Key.Equal(concourse.NewText("name")) && kv.Value.Equal(v) {
				found = true
			}
		}
		if found != c.want {
			t.Fatalf("Live(%d): present=%v, want %v", c.t, found, c.want)
		}
	}
}

// End-to-end scenario 2: add/remove/add leaves exactly 3 history entries in
// insertion (version) order.
func TestRecordHistoryInsertionOrder(t *testing.T) {
	loc := concourse.PrimaryKey(1)
	v := concourse.NewStringValue("alice")
	revs := []revision.Primary{
		rev(loc, "name", v, 3, revision.ADD),
		rev(loc, "name", v, 1, revision.ADD),
		rev(loc, "name", v, 2, revision.REMOVE),
	}
	r := New(loc, revs)
	h := r.History(nil)
	if len(h) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(h))
	}
	wantVersions := []int64{1, 2, 3}
	wantActions := []revision.Action{revision.ADD, revision.REMOVE, revision.ADD}
	for i, e := range h {
		if e.Version != wantVersions[i] {
			t.Fatalf("entry %d: version = %d, want %d", i, e.Version, wantVersions[i])
		}
		if e.Action != wantActions[i] {
			t.Fatalf("entry %d: action = %v, want %v", i, e.Action, wantActions[i])
		}
	}

	live := r.Live(3)
	if len(live) != 1 || !live[0].Value.Equal(v) {
		t.Fatalf("Live(3) = %+v, want [{name alice}]", live)
	}
}

func TestRecordDescribe(t *testing.T) {
	loc := concourse.PrimaryKey(1)
	revs := []revision.Primary{
		rev(loc, "name", concourse.NewStringValue("alice"), 1, revision.ADD),
		rev(loc, "age", concourse.NewIntValue(30), 2, revision.ADD),
	}
	r := New(loc, revs)
	keys := r.Describe(2)
	if len(keys) != 2 {
		t.Fatalf("Describe returned %d keys, want 2", len(keys))
	}
}
