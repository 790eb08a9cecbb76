// Package buffer implements the write-ahead durable queue described in
// §4.4: revisions are appended to fixed-size pages, fsynced at page
// boundaries, and later transferred into the database's mutable blocks.
// The buffer must remain searchable while a page is being transferred; this
// is achieved with a per-page RWMutex, letting readers and the transferring
// writer coordinate without blocking unrelated pages.
package buffer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hunglin/concourse"
	"github.com/hunglin/concourse/revision"
	"github.com/sethvargo/go-retry"
)

const pageMagic = "CNPG"
const pageHeaderSize = 4 + 4 + 4 // magic + format version + page id

const pageFormatVersion = 1

// Entry is one buffered write, tagged with the flavor it belongs to so
// Transfer can route it to the matching Database block set.
type Entry struct {
	Primary   *revision.Primary
	Secondary *revision.Secondary
	Search    *revision.Search
}

type page struct {
	mu       sync.RWMutex
	id       int
	path     string
	file     *os.File
	entries  []Entry
	size     int64
	sealed   bool
}

// Buffer is the append-only write-ahead log. Entries accumulate in the
// current page; once it exceeds PageSize a new page is opened and the old
// one is sealed (fsynced and marked read-only to new writes, but still
// scanned by Seek until Transfer removes it).
type Buffer struct {
	mu       sync.Mutex
	dir      string
	pageSize int64
	nextID   int
	current  *page
	sealed   []*page
}

// Open creates (or resumes) a Buffer rooted at dir, sealing a new page once
// writes exceed pageSize bytes.
func Open(dir string, pageSize int64) (*Buffer, error) {
	if pageSize <= 0 {
		pageSize = 8 << 20
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, concourse.NewError(concourse.IOError, err, dir)
	}
	b := &Buffer{dir: dir, pageSize: pageSize}
	if err := b.openNewPage(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Buffer) openNewPage() error {
	id := b.nextID
	b.nextID++
	path := filepath.Join(b.dir, fmt.Sprintf("%05d.page", id))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return concourse.NewError(concourse.IOError, err, path)
	}
	header := make([]byte, pageHeaderSize)
	copy(header[0:4], pageMagic)
	putUint32(header[4:8], pageFormatVersion)
	putUint32(header[8:12], uint32(id))
	if _, err := f.Write(header); err != nil {
		f.Close()
		return concourse.NewError(concourse.IOError, err, path)
	}
	b.current = &page{id: id, path: path, file: f, size: int64(pageHeaderSize)}
	return nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// Insert appends entry to the current page, fsyncing and rolling over to a
// new page when the size cap is exceeded.
func (b *Buffer) Insert(entry Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.current
	p.mu.Lock()
	enc := encodeEntry(entry)
	if _, err := p.file.Write(enc); err != nil {
		p.mu.Unlock()
		return concourse.NewError(concourse.IOError, err, p.path)
	}
	p.entries = append(p.entries, entry)
	p.size += int64(len(enc))
	p.mu.Unlock()

	if p.size >= b.pageSize {
		return b.sealCurrentLocked()
	}
	return nil
}

// sealCurrentLocked fsyncs and seals the current page, opening a fresh one.
// Caller holds b.mu. The fsync is retried with Fibonacci backoff per §7:
// internal retries are performed only for transient I/O.
func (b *Buffer) sealCurrentLocked() error {
	p := b.current
	p.mu.Lock()
	err := concourse.Retry(context.Background(), func(context.Context) error {
		if err := p.file.Sync(); err != nil {
			if concourse.ShouldRetry(err) {
				return retry.RetryableError(err)
			}
			return concourse.NewError(concourse.IOError, err, p.path)
		}
		return nil
	}, nil)
	if err != nil {
		p.mu.Unlock()
		return concourse.NewError(concourse.IOError, err, p.path)
	}
	p.sealed = true
	p.mu.Unlock()
	b.sealed = append(b.sealed, p)
	return b.openNewPage()
}

// Seal forces the current page closed even if under its size cap; used on
// an explicit commit boundary so writes become visible to Transfer promptly.
func (b *Buffer) Seal() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.current.entries) == 0 {
		return nil
	}
	return b.sealCurrentLocked()
}

// Seek returns every entry across the current page and any sealed-but-not-
// transferred pages, oldest first. Each page is read under its own RLock so
// Transfer's per-page WLock cannot starve the whole buffer.
func (b *Buffer) Seek() []Entry {
	b.mu.Lock()
	pages := append(append([]*page{}, b.sealed...), b.current)
	b.mu.Unlock()

	var out []Entry
	for _, p := range pages {
		p.mu.RLock()
		out = append(out, p.entries...)
		p.mu.RUnlock()
	}
	return out
}

// Transfer drains the oldest sealed page by calling apply on each entry, then deletes
// the page's backing file once apply succeeds. It returns false if there is
// no sealed page ready to transfer.
func (b *Buffer) Transfer(apply func(Entry) error) (bool, error) {
	b.mu.Lock()
	if len(b.sealed) == 0 {
		b.mu.Unlock()
		return false, nil
	}
	p := b.sealed[0]
	b.mu.Unlock()

	p.mu.Lock()
	entries := make([]Entry, len(p.entries))
	copy(entries, p.entries)
	p.mu.Unlock()
	sortEntries(entries)

	for _, e := range entries {
		if err := apply(e); err != nil {
			return false, err
		}
	}

	p.mu.Lock()
	path := p.path
	file := p.file
	p.mu.Unlock()
	if err := file.Close(); err != nil {
		return false, concourse.NewError(concourse.IOError, err, path)
	}
	if err := os.Remove(path); err != nil {
		return false, concourse.NewError(concourse.IOError, err, path)
	}

	b.mu.Lock()
	b.sealed = b.sealed[1:]
	b.mu.Unlock()
	return true, nil
}

// PendingPages reports how many sealed pages await transfer, for tests and
// operational visibility.
func (b *Buffer) PendingPages() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sealed)
}

// encodeEntry tags an Entry with a 1-byte flavor discriminator followed by
// the flavor's canonical revision encoding, matching the length-prefixed
// "[u32 size][revision bytes]" layout from §6 at the per-revision level.
func encodeEntry(e Entry) []byte {
	switch {
	case e.Primary != nil:
		return append([]byte{0}, revision.Encode(*e.Primary)...)
	case e.Secondary != nil:
		return append([]byte{1}, revision.Encode(*e.Secondary)...)
	case e.Search != nil:
		return append([]byte{2}, revision.Encode(*e.Search)...)
	default:
		return []byte{0xff}
	}
}

// sortEntries orders entries by embedded version ascending; used when
// replaying a page to preserve the monotonic version sequence.
func sortEntries(entries []Entry) {
	version := func(e Entry) int64 {
		switch {
		case e.Primary != nil:
			return e.Primary.Version()
		case e.Secondary != nil:
			return e.Secondary.Version()
		case e.Search != nil:
			return e.Search.Version()
		default:
			return 0
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return version(entries[i]) < version(entries[j]) })
}
