// Package record implements the parity projection described in §4.3: a pure
// view over a sequence of primary revisions for one locator (record), from
// which "live", "describe", and "history" are derived. A Record never stores
// presence directly; it recomputes parity from the revision stream every
// time (invariant 1, §3).
package record

import (
	"sort"

	"github.com/hunglin/concourse"
	"github.com/hunglin/concourse/revision"
)

// KeyValue is a live (key, value) pair as returned by Live.
type KeyValue struct {
	Key   concourse.Text
	Value concourse.Value
}

// HistoryEntry is one (version, action) observation for a key, as returned
// by History.
type HistoryEntry struct {
	Key     concourse.Text
	Value   concourse.Value
	Version int64
	Action  revision.Action
}

// Record is a transient projection built fresh from a revision slice. It is
// not required to be cached, though callers may memoize per-locator
// instances and invalidate them when new revisions for that locator arrive.
type Record struct {
	locator   concourse.PrimaryKey
	revisions []revision.Primary
}

// New builds a Record for locator from revisions. revisions need not be
// pre-sorted; New orders them by version ascending internally.
func New(locator concourse.PrimaryKey, revisions []revision.Primary) *Record {
	sorted := make([]revision.Primary, len(revisions))
	copy(sorted, revisions)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Version() < sorted[j].Version() })
	return &Record{locator: locator, revisions: sorted}
}

func (r *Record) Locator() concourse.PrimaryKey { return r.locator }

// kvID identifies a (key,value) group so its ADD/REMOVE counts up
// to a timestamp can be parity-tested independently (§4.3).
type kvID struct {
	key   string
	value string
}

func (r *Record) groupByKeyValue() map[kvID][]revision.Primary {
	groups := make(map[kvID][]revision.Primary)
	for _, rev := range r.revisions {
		id := kvID{key: string(rev.Key()), value: string(rev.Value().Bytes())}
		groups[id] = append(groups[id], rev)
	}
	return groups
}

// Live returns the set of (key,value) pairs present at timestamp: for each
// distinct (key,value) triple, the count of revisions with version <=
// timestamp is odd (parity invariant).
func (r *Record) Live(timestamp int64) []KeyValue {
	var out []KeyValue
	for _, revs := range r.groupByKeyValue() {
		n := 0
		for _, rev := range revs {
			if rev.Version() <= timestamp {
				n++
			}
		}
		if n%2 == 1 {
			// Any revision in the group carries the canonical key/value payload.
			out = append(out, KeyValue{Key: revs[0].Key(), Value: revs[0].Value()})
		}
	}
	return out
}

// Describe returns the set of keys that have at least one live value at
// timestamp.
func (r *Record) Describe(timestamp int64) []concourse.Text {
	seen := make(map[string]concourse.Text)
	for _, kv := range r.Live(timestamp) {
		seen[string(kv.Key)] = kv.Key
	}
	out := make([]concourse.Text, 0, len(seen))
	for _, k := range seen {
		out = append(out, k)
	}
	return out
}

// History returns the version-ordered revision stream, optionally filtered
// to one key.
func (r *Record) History(key *concourse.Text) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(r.revisions))
	for _, rev := range r.revisions {
		if key != nil && !rev.Key().Equal(*key) {
			continue
		}
		out = append(out, HistoryEntry{
			Key:     rev.Key(),
			Value:   rev.Value(),
			Version: rev.Version(),
			Action:  rev.Action(),
		})
	}
	return out
}
