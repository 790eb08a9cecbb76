package revision

import (
	"testing"

	"github.com/hunglin/concourse"
)

// ROUND-TRIP (spec §8): fromBytes(toBytes(x)) == x for Revision, for all
// three flavors.
func TestPrimaryRoundTrip(t *testing.T) {
	r := NewPrimary(concourse.PrimaryKey(1), concourse.NewText("name"), concourse.NewStringValue("alice").WithVersion(3), 3, ADD)
	enc := Encode(r)
	got, n, err := DecodePrimary(enc)
	if err != nil {
		t.Fatalf("DecodePrimary: %v", err)
	}
	if n != len(enc) {
		t.Fatalf("consumed %d, want %d", n, len(enc))
	}
	if got.Locator() != r.Locator() || !got.Key().Equal(r.Key()) || !got.Value().Equal(r.Value()) || got.Version() != r.Version() || got.Action() != r.Action() {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, r)
	}
}

func TestSecondaryRoundTrip(t *testing.T) {
	r := NewSecondary(concourse.NewText("age"), concourse.NewIntValue(30).WithVersion(1), concourse.PrimaryKey(9), 1, ADD)
	enc := Encode(r)
	got, _, err := DecodeSecondary(enc)
	if err != nil {
		t.Fatalf("DecodeSecondary: %v", err)
	}
	if !got.Locator().Equal(r.Locator()) || !got.Key().Equal(r.Key()) || got.Value() != r.Value() {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, r)
	}
}

func TestSearchRoundTrip(t *testing.T) {
	pos := concourse.Position{Record: concourse.PrimaryKey(5), Index: 2}
	r := NewSearch(concourse.NewText("fo"), concourse.NewText("foo"), pos, 1, ADD)
	enc := Encode(r)
	got, _, err := DecodeSearch(enc)
	if err != nil {
		t.Fatalf("DecodeSearch: %v", err)
	}
	if !got.Locator().Equal(r.Locator()) || !got.Key().Equal(r.Key()) || got.Value() != r.Value() {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, r)
	}
}

func TestDecodeTruncated(t *testing.T) {
	r := NewPrimary(concourse.PrimaryKey(1), concourse.NewText("k"), concourse.NewBoolValue(true), 1, ADD)
	enc := Encode(r)
	if _, _, err := DecodePrimary(enc[:len(enc)-1]); err == nil {
		t.Fatalf("expected error decoding a truncated buffer")
	}
}
