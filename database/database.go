// Package database implements the owner of the three parallel Block sets
// (primary, secondary, search) described in §4.5. It accepts revisions
// transferred from the buffer, routes reads through locator hashing and
// bloom filters, and composes Records on demand.
package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/sethvargo/go-retry"

	"github.com/hunglin/concourse"
	"github.com/hunglin/concourse/block"
	"github.com/hunglin/concourse/buffer"
	"github.com/hunglin/concourse/cache"
	"github.com/hunglin/concourse/record"
	"github.com/hunglin/concourse/revision"
	"github.com/hunglin/concourse/search"
)

// Operator enumerates the comparison operators find() accepts (§6).
type Operator int

const (
	EQ Operator = iota
	NEQ
	LT
	LTE
	GT
	GTE
	BETWEEN
	REGEX
	NOT_REGEX
	LINKS_TO
)

// defaultBlockCap is the revision count at which a mutable block rolls over
// to a fresh one (§4.5 "rolls over to a new mutable block when the current
// exceeds its size cap").
const defaultBlockCap = 100_000

// recordCacheCapacity bounds the optional per-locator Record memoization
// cache named in §4.3.
const recordCacheCapacity = 4096

// Database owns the primary/secondary/search block sets and mediates all
// reads and the buffer's Transfer target.
type Database struct {
	mu   sync.RWMutex
	root string
	cap  int

	primary      []*block.Primary
	curPrimary   *block.Primary
	secondary    []*block.Secondary
	curSecondary *block.Secondary
	// search is partitioned per attribute key: the search revision schema
	// (locator=substring, key=term, value=Position) carries no attribute
	// field of its own, so Database keeps one block set per attribute to
	// let search(key, query) scope its query the way find(key, ...) does.
	search    map[string][]*block.SearchFlavor
	curSearch map[string]*block.SearchFlavor

	nextBlockID int

	recordCache cache.Cache[concourse.PrimaryKey, *record.Record]
}

// Open creates (or resumes) a Database rooted at dir, with
// db/primary, db/secondary, db/search subtrees. Directory setup is the one
// filesystem call on Open's path, so it is retried with Fibonacci backoff
// per §7: internal retries are performed only for transient I/O.
func Open(dir string) (*Database, error) {
	for _, sub := range []string{"primary", "secondary", "search"} {
		path := filepath.Join(dir, sub)
		err := concourse.Retry(context.Background(), func(context.Context) error {
			if err := os.MkdirAll(path, 0o755); err != nil {
				if concourse.ShouldRetry(err) {
					return retry.RetryableError(err)
				}
				return concourse.NewError(concourse.IOError, err, path)
			}
			return nil
		}, nil)
		if err != nil {
			return nil, concourse.NewError(concourse.IOError, err, dir)
		}
	}
	d := &Database{
		root:        dir,
		cap:         defaultBlockCap,
		search:      make(map[string][]*block.SearchFlavor),
		curSearch:   make(map[string]*block.SearchFlavor),
		recordCache: cache.NewCache[concourse.PrimaryKey, *record.Record](recordCacheCapacity/2, recordCacheCapacity),
	}
	d.curPrimary = block.NewPrimary(d.newBlockID("primary"))
	d.curSecondary = block.NewSecondary(d.newBlockID("secondary"))
	return d, nil
}

func (d *Database) newBlockID(flavor string) string {
	id := d.nextBlockID
	d.nextBlockID++
	return fmt.Sprintf("%s-%05d", flavor, id)
}

func (d *Database) blockPath(flavor, id string) string {
	return filepath.Join(d.root, flavor, id+".blk")
}

// searchBlockLocked returns the current mutable search block for attribute,
// creating one on first use. Caller holds d.mu (write lock).
func (d *Database) searchBlockLocked(attribute string) *block.SearchFlavor {
	if b, ok := d.curSearch[attribute]; ok {
		return b
	}
	b := block.NewSearch(d.newBlockID("search"))
	d.curSearch[attribute] = b
	return b
}

// ApplyEntry is the Buffer.Transfer callback: it routes one buffered entry
// into the matching mutable block set, rolling over when a block exceeds its
// capacity.
func (d *Database) ApplyEntry(e buffer.Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case e.Primary != nil:
		r := *e.Primary
		if _, err := d.curPrimary.Insert(r.Locator(), r.Key(), r.Value(), r.Version(), r.Action()); err != nil {
			return err
		}
		d.invalidateRecordLocked(r.Locator())
		if d.curPrimary.Len() >= d.cap {
			return d.rolloverPrimaryLocked()
		}
	case e.Secondary != nil:
		r := *e.Secondary
		if _, err := d.curSecondary.Insert(r.Locator(), r.Key(), r.Value(), r.Version(), r.Action()); err != nil {
			return err
		}
		if d.curSecondary.Len() >= d.cap {
			return d.rolloverSecondaryLocked()
		}
	case e.Search != nil:
		// The generic buffer-routed path has no attribute to scope by (the
		// search revision schema itself carries none); the engine's write
		// path never actually produces Search entries here since
		// IndexSearchText writes directly into the attribute-scoped search
		// blocks below. This bucket exists only so ApplyEntry stays total
		// over every Entry flavor Buffer can carry.
		r := *e.Search
		b := d.searchBlockLocked("")
		if _, err := b.Insert(r.Locator(), r.Key(), r.Value(), r.Version(), r.Action()); err != nil {
			return err
		}
		if b.Len() >= d.cap {
			return d.rolloverSearchLocked("")
		}
	}
	return nil
}

func (d *Database) rolloverPrimaryLocked() error {
	id := d.curPrimary.ID()
	if err := d.curPrimary.Flush(d.blockPath("primary", id)); err != nil {
		return err
	}
	d.primary = append(d.primary, d.curPrimary)
	d.curPrimary = block.NewPrimary(d.newBlockID("primary"))
	return nil
}

func (d *Database) rolloverSecondaryLocked() error {
	id := d.curSecondary.ID()
	if err := d.curSecondary.Flush(d.blockPath("secondary", id)); err != nil {
		return err
	}
	d.secondary = append(d.secondary, d.curSecondary)
	d.curSecondary = block.NewSecondary(d.newBlockID("secondary"))
	return nil
}

func (d *Database) rolloverSearchLocked(attribute string) error {
	cur := d.curSearch[attribute]
	id := cur.ID()
	if err := cur.Flush(d.blockPath("search", id)); err != nil {
		return err
	}
	d.search[attribute] = append(d.search[attribute], cur)
	d.curSearch[attribute] = block.NewSearch(d.newBlockID("search"))
	return nil
}

// IndexSearchText fans a STRING value's tokens+substrings directly into
// attribute's current mutable search block (not via the buffer), per the
// write-path description in §2: "if value is STRING, fan out to SearchBlock
// as one revision per (term, position) with substring expansion". Scoping
// by attribute lets Search(key, ...) query one attribute's full-text index
// rather than a single global namespace shared by every STRING attribute.
func (d *Database) IndexSearchText(ctx context.Context, attribute concourse.Text, record concourse.PrimaryKey, text string, version int64, action revision.Action) error {
	attr := attribute.String()

	d.mu.Lock()
	b := d.searchBlockLocked(attr)
	d.mu.Unlock()

	if err := block.IndexText(b, ctx, record, text, version, action); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if b == d.curSearch[attr] && b.Len() >= d.cap {
		return d.rolloverSearchLocked(attr)
	}
	return nil
}

func (d *Database) invalidateRecordLocked(locator concourse.PrimaryKey) {
	d.recordCache.Delete([]concourse.PrimaryKey{locator})
}

// allPrimaryBlocks returns the flushed blocks plus the current mutable one,
// oldest first, so scans see revisions in append order.
func (d *Database) allPrimaryBlocks() []*block.Primary {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*block.Primary, 0, len(d.primary)+1)
	out = append(out, d.primary...)
	out = append(out, d.curPrimary)
	return out
}

func (d *Database) allSecondaryBlocks() []*block.Secondary {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*block.Secondary, 0, len(d.secondary)+1)
	out = append(out, d.secondary...)
	out = append(out, d.curSecondary)
	return out
}

// allSearchBlocks returns the flushed plus current mutable search blocks for
// one attribute, oldest first. An attribute with no indexed STRING values
// yet has no entry in either map and yields an empty slice.
func (d *Database) allSearchBlocks(attribute string) []*block.SearchFlavor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*block.SearchFlavor, 0, len(d.search[attribute])+1)
	out = append(out, d.search[attribute]...)
	if cur, ok := d.curSearch[attribute]; ok {
		out = append(out, cur)
	}
	return out
}

// Get assembles a Record for locator from every block (mutable + immutable)
// whose bloom filter indicates a possible match, ordered by version asc.
func (d *Database) Get(locator concourse.PrimaryKey) (*record.Record, error) {
	if cached := d.recordCache.Get([]concourse.PrimaryKey{locator}); len(cached) == 1 && cached[0] != nil {
		return cached[0], nil
	}

	var all []revision.Primary
	for _, b := range d.allPrimaryBlocks() {
		if !b.MightContain(locator) {
			continue
		}
		revs, err := b.Seek(locator, nil)
		if err != nil {
			return nil, err
		}
		all = append(all, revs...)
	}
	rec := record.New(locator, all)

	d.mu.Lock()
	d.recordCache.Set([]concourse.KeyValuePair[concourse.PrimaryKey, *record.Record]{{Key: locator, Value: rec}})
	d.mu.Unlock()
	return rec, nil
}

// secondaryMatch is one secondary revision that passed Find's predicate and
// timestamp filter; liveRecordsByParity groups these by (record, value) to
// apply the parity rule.
type secondaryMatch struct {
	record  concourse.PrimaryKey
	value   concourse.Value
	version int64
	action  revision.Action
}

// Find evaluates a secondary-index predicate: attribute `key`, `op` against
// `values` (one value for EQ/NEQ/LT/LTE/GT/GTE/REGEX/NOT_REGEX/LINKS_TO, two
// for BETWEEN), returning the record ids live at timestamp (§4.5).
func (d *Database) Find(key concourse.Text, op Operator, values []concourse.Value, timestamp int64) ([]concourse.PrimaryKey, error) {
	var matches []secondaryMatch

	for _, b := range d.allSecondaryBlocks() {
		if !b.MightContain(key) {
			continue
		}
		err := b.ScanAll(func(r revision.Secondary) error {
			if !r.Locator().Equal(key) {
				return nil
			}
			if r.Version() > timestamp {
				return nil
			}
			if !matchesOperator(op, r.Key(), values) {
				return nil
			}
			matches = append(matches, secondaryMatch{record: r.Value(), value: r.Key(), version: r.Version(), action: r.Action()})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return liveRecordsByParity(matches), nil
}

func liveRecordsByParity(matches []secondaryMatch) []concourse.PrimaryKey {
	type groupKey struct {
		record concourse.PrimaryKey
		value  string
	}
	counts := make(map[groupKey]int)
	for _, m := range matches {
		counts[groupKey{record: m.record, value: string(m.value.Bytes())}]++
	}
	live := make(map[concourse.PrimaryKey]bool)
	for gk, n := range counts {
		if n%2 == 1 {
			live[gk.record] = true
		}
	}
	out := make([]concourse.PrimaryKey, 0, len(live))
	for r := range live {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func matchesOperator(op Operator, v concourse.Value, values []concourse.Value) bool {
	switch op {
	case EQ:
		return v.Equal(values[0])
	case NEQ:
		return !v.Equal(values[0])
	case LT:
		return v.Compare(values[0]) < 0
	case LTE:
		return v.Compare(values[0]) <= 0
	case GT:
		return v.Compare(values[0]) > 0
	case GTE:
		return v.Compare(values[0]) >= 0
	case BETWEEN:
		return v.Compare(values[0]) >= 0 && v.Compare(values[1]) <= 0
	case REGEX, NOT_REGEX:
		re, err := regexp.Compile(values[0].Str())
		if err != nil {
			return false
		}
		matched := re.MatchString(valueAsString(v))
		if op == NOT_REGEX {
			return !matched
		}
		return matched
	case LINKS_TO:
		return v.Type() == concourse.LINK && v.Link() == values[0].Link()
	default:
		return false
	}
}

func valueAsString(v concourse.Value) string {
	switch v.Type() {
	case concourse.STRING:
		return v.Str()
	case concourse.INTEGER:
		return strconv.FormatInt(int64(v.Int()), 10)
	case concourse.LONG:
		return strconv.FormatInt(v.Long(), 10)
	default:
		return ""
	}
}

// searchHit pairs a matched query token with the record/position it was
// found at, for ranking.
type searchHit struct {
	record  concourse.PrimaryKey
	queryTokenIdx int
	position      uint32
}

// Search lowercases and tokenizes query identically to indexing, intersects
// the posting lists of candidate substrings per query token, and returns
// record ids whose matched terms appear in the same relative order as the
// query tokens (§4.5).
func (d *Database) Search(key concourse.Text, query string, timestamp int64) ([]concourse.PrimaryKey, error) {
	tokens := search.Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	blocks := d.allSearchBlocks(key.String())

	// perTokenHits[i] holds every (record, position) occurrence matching
	// query token i, across all candidate terms.
	perTokenHits := make([][]searchHit, len(tokens))
	for i, tok := range tokens {
		var hits []searchHit
		for _, b := range blocks {
			if !b.MightContain(concourse.NewText(tok.Text)) {
				continue
			}
			revs, err := b.Seek(concourse.NewText(tok.Text), nil)
			if err != nil {
				return nil, err
			}
			counts := make(map[string]int)
			type occ struct {
				rec concourse.PrimaryKey
				pos uint32
			}
			live := make(map[string]occ)
			for _, r := range revs {
				if r.Version() > timestamp {
					continue
				}
				id := fmt.Sprintf("%d:%d", r.Value().Record, r.Value().Index)
				if r.IsAdd() {
					counts[id]++
				} else {
					counts[id]--
				}
				live[id] = occ{rec: r.Value().Record, pos: r.Value().Index}
			}
			for id, n := range counts {
				if n%2 == 1 {
					hits = append(hits, searchHit{record: live[id].rec, queryTokenIdx: i, position: live[id].pos})
				}
			}
		}
		perTokenHits[i] = hits
	}

	// A record matches if it has at least one hit for every query token, in
	// strictly increasing position order across tokens.
	byRecord := make(map[concourse.PrimaryKey][][]uint32)
	for i, hits := range perTokenHits {
		for _, h := range hits {
			if byRecord[h.record] == nil {
				byRecord[h.record] = make([][]uint32, len(tokens))
			}
			byRecord[h.record][i] = append(byRecord[h.record][i], h.position)
		}
	}

	var out []concourse.PrimaryKey
	for rec, positionsPerToken := range byRecord {
		if orderedMatch(positionsPerToken) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// orderedMatch reports whether there is a strictly increasing sequence of
// positions, one per token, spanning all tokens in order.
func orderedMatch(positionsPerToken [][]uint32) bool {
	last := int64(-1)
	for _, positions := range positionsPerToken {
		if len(positions) == 0 {
			return false
		}
		sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
		found := false
		for _, p := range positions {
			if int64(p) > last {
				last = int64(p)
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
