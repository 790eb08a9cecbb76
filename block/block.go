// Package block implements the append-only, sorted-on-flush segment that
// stores one flavor of Revision. A Block is born mutable (in memory,
// accepts inserts, scanned linearly), flushes once to become immutable
// (sorted, bloom-indexed, served by memory-mapped reads), and is eventually
// retired. It never transitions back (spec §4.2, §3 invariant 4).
package block

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/sethvargo/go-retry"
	"github.com/willf/bloom"

	"github.com/hunglin/concourse"
	"github.com/hunglin/concourse/revision"
)

// State is a Block's lifecycle stage. Transitions only move forward:
// Mutable -> Immutable -> Retired.
type State int

const (
	Mutable State = iota
	Immutable
	Retired
)

// bloomFalsePositiveRate bounds the bloom filter's false-positive rate at
// expected fill, per §6 ("false-positive rate ≤ 3% at expected fill").
const bloomFalsePositiveRate = 0.03

// codec bundles the encode/decode/compare operations a Block needs for its
// (L,K,V) schema without requiring L, K, V themselves to satisfy a shared
// interface (PrimaryKey, Text, Value, and Position each expose a different
// natural API).
type codec[L, K, V any] struct {
	// locatorKey returns a stable string key for bloom membership and for
	// grouping the in-memory locator->range index.
	locatorKey func(L) string
	// compare orders two revisions for the flush sort: by locator, then key,
	// then value, then version, ascending (§4.2).
	compare func(a, b revision.Revision[L, K, V]) int
	// encode produces the length-prefixed canonical byte form of a revision.
	encode func(revision.Revision[L, K, V]) []byte
	// decode parses one length-prefixed revision starting at b[0].
	decode func(b []byte) (revision.Revision[L, K, V], int, error)
}

// Block is a generic, append-only collection of revisions sharing one
// (L,K,V) schema (invariant 3, §3). See Primary/Secondary/SearchFlavor
// (NewPrimary/NewSecondary/NewSearch) for concrete, ready-to-use
// instantiations.
type Block[L, K, V any] struct {
	mu    sync.RWMutex
	id    string
	codec codec[L, K, V]
	state State

	mutable []revision.Revision[L, K, V]

	// Populated on Flush; valid while state != Mutable.
	bloomFilter *bloom.BloomFilter
	locatorIdx  map[string][2]int64 // locator key -> [start,end) byte range in file
	path        string
	file        *os.File
	data        mmap.MMap
}

// newBlock constructs a fresh mutable block with the given id and codec.
func newBlock[L, K, V any](id string, c codec[L, K, V]) *Block[L, K, V] {
	return &Block[L, K, V]{id: id, codec: c, state: Mutable}
}

func (b *Block[L, K, V]) ID() string    { return b.id }
func (b *Block[L, K, V]) State() State  { return b.state }
func (b *Block[L, K, V]) IsMutable() bool { b.mu.RLock(); defer b.mu.RUnlock(); return b.state == Mutable }

// Insert appends a new revision to the mutable block. Fails with
// ErrBlockImmutable once the block has been flushed.
func (b *Block[L, K, V]) Insert(locator L, key K, value V, version int64, action revision.Action) (revision.Revision[L, K, V], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Mutable {
		var zero revision.Revision[L, K, V]
		return zero, concourse.NewError(concourse.InvariantViolation, concourse.ErrBlockImmutable, b.id)
	}
	r := revision.New(locator, key, value, version, action)
	b.mutable = append(b.mutable, r)
	return r, nil
}

// Len reports the number of revisions currently held, mutable or flushed.
func (b *Block[L, K, V]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state == Mutable {
		return len(b.mutable)
	}
	n := 0
	for pos := 0; pos < len(b.data); {
		_, sz, err := b.codec.decode(b.data[pos:])
		if err != nil {
			break
		}
		n++
		pos += sz
	}
	return n
}

// MightContain probes the bloom filter; always true for mutable blocks
// (no filter has been built yet, so every scan falls through to a linear
// search of the in-memory slice).
func (b *Block[L, K, V]) MightContain(locator L) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state == Mutable {
		return true
	}
	return b.bloomFilter.TestString(b.codec.locatorKey(locator))
}

// Seek returns every revision matching locator (and, if present, additionally
// filtered by keyFilter) in block order: insertion order for a mutable block,
// the flush sort order (key, value, version) for an immutable one. Mutable
// blocks scan the in-memory slice; immutable blocks bloom-probe then scan
// their contiguous byte range via the memory-mapped file. A retired block
// returns ErrQuarantined.
func (b *Block[L, K, V]) Seek(locator L, keyFilter func(K) bool) ([]revision.Revision[L, K, V], error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.state == Retired {
		return nil, concourse.NewError(concourse.IOError, concourse.ErrQuarantined, b.id)
	}

	lk := b.codec.locatorKey(locator)

	if b.state == Mutable {
		var out []revision.Revision[L, K, V]
		for _, r := range b.mutable {
			if b.codec.locatorKey(r.Locator()) != lk {
				continue
			}
			if keyFilter != nil && !keyFilter(r.Key()) {
				continue
			}
			out = append(out, r)
		}
		return out, nil
	}

	if !b.bloomFilter.TestString(lk) {
		return nil, nil
	}
	rng, ok := b.locatorIdx[lk]
	if !ok {
		return nil, nil
	}
	start, end := rng[0], rng[1]
	if end > int64(len(b.data)) {
		return nil, concourse.NewError(concourse.Corruption, fmt.Errorf("block %s: locator range out of bounds", b.id), nil)
	}
	var out []revision.Revision[L, K, V]
	pos := start
	for pos < end {
		r, n, err := b.codec.decode(b.data[pos:end])
		if err != nil {
			return nil, concourse.NewError(concourse.Corruption, err, b.id)
		}
		if keyFilter == nil || keyFilter(r.Key()) {
			out = append(out, r)
		}
		pos += int64(n)
	}
	return out, nil
}

// ScanAll iterates every revision in the block in on-disk (or insertion, if
// mutable) order, invoking fn for each. Used by find() for every operator.
func (b *Block[L, K, V]) ScanAll(fn func(revision.Revision[L, K, V]) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.state == Mutable {
		for _, r := range b.mutable {
			if err := fn(r); err != nil {
				return err
			}
		}
		return nil
	}

	pos := int64(0)
	end := int64(len(b.data))
	for pos < end {
		r, n, err := b.codec.decode(b.data[pos:])
		if err != nil {
			return concourse.NewError(concourse.Corruption, err, b.id)
		}
		if err := fn(r); err != nil {
			return err
		}
		pos += int64(n)
	}
	return nil
}

// flushedLocators returns the flushed block's locator key -> byte range
// index.
func (b *Block[L, K, V]) flushedLocators() map[string][2]int64 {
	return b.locatorIdx
}

// Flush sorts the mutable revision list, writes it to path, memory-maps the
// data file for subsequent reads, and transitions the block to Immutable.
// The bloom filter and the locator index are built in memory only; no
// sidecar files are written next to path. Flush is a one-way door: calling it
// twice is a programming error and returns ErrBlockImmutable.
func (b *Block[L, K, V]) Flush(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Mutable {
		return concourse.NewError(concourse.InvariantViolation, concourse.ErrBlockImmutable, b.id)
	}

	sort.SliceStable(b.mutable, func(i, j int) bool {
		return b.codec.compare(b.mutable[i], b.mutable[j]) < 0
	})

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return concourse.NewError(concourse.IOError, err, path)
	}

	idx := make(map[string][2]int64, len(b.mutable))
	var offset int64
	filter := bloom.NewWithEstimates(estimatedBloomItems(len(b.mutable)), bloomFalsePositiveRate)

	for _, r := range b.mutable {
		enc := b.codec.encode(r)
		if _, err := f.Write(enc); err != nil {
			f.Close()
			return concourse.NewError(concourse.IOError, err, path)
		}
		lk := b.codec.locatorKey(r.Locator())
		filter.AddString(lk)
		if rng, ok := idx[lk]; ok {
			rng[1] = offset + int64(len(enc))
			idx[lk] = rng
		} else {
			idx[lk] = [2]int64{offset, offset + int64(len(enc))}
		}
		offset += int64(len(enc))
	}

	// §7: internal retries are performed only for transient I/O.
	err = concourse.Retry(context.Background(), func(context.Context) error {
		if err := f.Sync(); err != nil {
			if concourse.ShouldRetry(err) {
				return retry.RetryableError(err)
			}
			return concourse.NewError(concourse.IOError, err, path)
		}
		return nil
	}, nil)
	if err != nil {
		f.Close()
		return concourse.NewError(concourse.IOError, err, path)
	}

	var data mmap.MMap
	if offset > 0 {
		data, err = mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			f.Close()
			return concourse.NewError(concourse.IOError, err, path)
		}
	}

	b.file = f
	b.data = data
	b.locatorIdx = idx
	b.bloomFilter = filter
	b.path = path
	b.mutable = nil
	b.state = Immutable
	return nil
}

// estimatedBloomItems picks a comfortably-sized item estimate so the
// bloom filter's false-positive rate target holds even if locators repeat.
func estimatedBloomItems(n int) uint {
	if n < 16 {
		return 16
	}
	return uint(n)
}

// Retire releases the block's memory map and closes its backing file. The
// block remains queryable-by-error only: any subsequent Seek returns
// ErrQuarantined. Retire does not delete the on-disk file; callers that want
// deletion-after-compaction do so explicitly once Retire succeeds.
func (b *Block[L, K, V]) Retire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Retired {
		return nil
	}
	if b.data != nil {
		if err := b.data.Unmap(); err != nil {
			return concourse.NewError(concourse.IOError, err, b.id)
		}
	}
	if b.file != nil {
		if err := b.file.Close(); err != nil {
			return concourse.NewError(concourse.IOError, err, b.id)
		}
	}
	b.state = Retired
	return nil
}
