// Package engine implements the façade an RPC layer binds against: the
// operations named in spec §6 (add, remove, set, clear, verify,
// verifyAndSwap, fetch, get, describe, find, search, audit, revert, ping,
// stage, commit, abort, create, getServerVersion), wiring together Buffer,
// Database, and LockService and mediating concurrent writers through
// per-token locks (autocommit) or two-phase commit (staging), per §4.7.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hunglin/concourse"
	"github.com/hunglin/concourse/buffer"
	"github.com/hunglin/concourse/database"
	"github.com/hunglin/concourse/lockservice"
	"github.com/hunglin/concourse/record"
	"github.com/hunglin/concourse/revision"
	"github.com/hunglin/concourse/txn"
)

// Engine owns one Buffer, one Database, and one LockService, and is the
// only component that mints versions and primary keys (§3 ownership).
type Engine struct {
	opts concourse.EngineOptions

	buf   *buffer.Buffer
	db    *database.Database
	locks lockservice.Service

	versionGen  *concourse.KeyGenerator
	keyGen      *concourse.KeyGenerator
	lastVersion atomic.Int64

	mu       sync.Mutex
	sessions map[concourse.UUID]*session
}

type session struct {
	tx      *txn.Transaction
	tokenOf map[lockservice.Token]tokenTarget
	pending map[lockservice.Token]pendingWrite
}

// tokenTarget records which (record,key) a token denotes, so commit
// validation can consult the database's history for that pair.
type tokenTarget struct {
	record concourse.PrimaryKey
	key    concourse.Text
}

// pendingWrite mirrors the value/action a StageWrite closed over, so a read
// within the same transaction can merge its own pending write into the
// snapshot view instead of only seeing what Apply will later durably write
// (§3 invariant 7: "reads come from a snapshot ... merged with its own
// pending writes").
type pendingWrite struct {
	value  concourse.Value
	action revision.Action
}

// Open constructs an Engine rooted at opts.BufferDirectory /
// opts.DatabaseDirectory, validating the directory-disjointness rule from
// §6 and wiring the lock backend selected by opts.Type.
func Open(opts concourse.EngineOptions) (*Engine, error) {
	if err := opts.Normalize(); err != nil {
		return nil, err
	}

	buf, err := buffer.Open(opts.BufferDirectory, opts.BufferPageSize)
	if err != nil {
		return nil, err
	}
	db, err := database.Open(opts.DatabaseDirectory)
	if err != nil {
		return nil, err
	}
	locks, err := lockservice.New(opts)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:       opts,
		buf:        buf,
		db:         db,
		locks:      locks,
		versionGen: concourse.NewKeyGenerator(),
		keyGen:     concourse.NewKeyGenerator(),
		sessions:   make(map[concourse.UUID]*session),
	}
	return e, nil
}

func (e *Engine) nextVersion() int64 {
	v := int64(e.versionGen.Next(time.Now()))
	e.lastVersion.Store(v)
	return v
}

func (e *Engine) token(record concourse.PrimaryKey, key concourse.Text) lockservice.Token {
	return lockservice.NewToken(record.String(), key.String())
}

// Transfer drains one sealed buffer page into the database. Callers (e.g. a
// background loop in cmd/concourse-server) invoke this periodically; it is
// also safe to call synchronously after a write for tests that want
// deterministic visibility in Block-backed (as opposed to Buffer-backed)
// reads.
func (e *Engine) Transfer() (bool, error) {
	return e.buf.Transfer(e.db.ApplyEntry)
}

// Create mints a fresh, globally-unique PrimaryKey (§9 open question:
// PrimaryKey generation is delegated to the engine and must be monotonic
// within one engine instance).
func (e *Engine) Create() concourse.PrimaryKey {
	return e.keyGen.Next(time.Now())
}

// GetServerVersion returns the engine build version.
func (e *Engine) GetServerVersion() string {
	return concourse.Version
}

// Ping reports engine liveness.
func (e *Engine) Ping() error {
	return nil
}

// currentLive returns the record's projected live key/value pairs as of asOf.
func (e *Engine) currentLive(record concourse.PrimaryKey, asOf int64) ([]concourseKV, error) {
	rec, err := e.db.Get(record)
	if err != nil {
		return nil, err
	}
	var out []concourseKV
	for _, kv := range rec.Live(asOf) {
		out = append(out, concourseKV{key: kv.Key, value: kv.Value})
	}
	return out, nil
}

type concourseKV struct {
	key   concourse.Text
	value concourse.Value
}

func resolveTimestamp(ts concourse.Timestamp, currentVersion int64) int64 {
	return ts.Resolve(currentVersion)
}

// withWriteLock runs fn while holding an exclusive hold on token(record,key).
func (e *Engine) withWriteLock(ctx context.Context, record concourse.PrimaryKey, key concourse.Text, fn func() error) error {
	tok := e.token(record, key)
	lock := e.locks.Get(tok)
	owner := lockservice.NewOwnerID()
	if err := lock.Lock(ctx, owner); err != nil {
		return concourse.NewError(concourse.LockAcquisitionFailure, err, tok)
	}
	defer lock.Unlock(owner)
	return fn()
}

func (e *Engine) withReadLock(ctx context.Context, record concourse.PrimaryKey, key concourse.Text, fn func() error) error {
	tok := e.token(record, key)
	lock := e.locks.Get(tok)
	owner := lockservice.NewOwnerID()
	if err := lock.RLock(ctx, owner); err != nil {
		return concourse.NewError(concourse.LockAcquisitionFailure, err, tok)
	}
	defer lock.RUnlock(owner)
	return fn()
}

// Add stores value at key in record, failing with InvariantViolation if it
// is already present (§8 scenario 1).
func (e *Engine) Add(ctx context.Context, key concourse.Text, value concourse.Value, rec concourse.PrimaryKey) (bool, error) {
	var ok bool
	err := e.withWriteLock(ctx, rec, key, func() error {
		live, err := e.currentLive(rec, e.nowVersion())
		if err != nil {
			return err
		}
		for _, kv := range live {
			if kv.key.Equal(key) && kv.value.Equal(value) {
				return concourse.NewError(concourse.InvariantViolation, concourse.ErrAlreadyPresent, nil)
			}
		}
		version := e.nextVersion()
		if err := e.writeRevision(ctx, rec, key, value, version, revision.ADD); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

// Remove deletes value at key in record, failing with InvariantViolation if
// it is not present.
func (e *Engine) Remove(ctx context.Context, key concourse.Text, value concourse.Value, rec concourse.PrimaryKey) (bool, error) {
	var ok bool
	err := e.withWriteLock(ctx, rec, key, func() error {
		live, err := e.currentLive(rec, e.nowVersion())
		if err != nil {
			return err
		}
		found := false
		for _, kv := range live {
			if kv.key.Equal(key) && kv.value.Equal(value) {
				found = true
				break
			}
		}
		if !found {
			return concourse.NewError(concourse.InvariantViolation, concourse.ErrAbsent, nil)
		}
		version := e.nextVersion()
		if err := e.writeRevision(ctx, rec, key, value, version, revision.REMOVE); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

// Set replaces every currently live value at key in record with value: any
// other live value for key is removed and value is added if not already
// present.
func (e *Engine) Set(ctx context.Context, key concourse.Text, value concourse.Value, rec concourse.PrimaryKey) error {
	return e.withWriteLock(ctx, rec, key, func() error {
		live, err := e.currentLive(rec, e.nowVersion())
		if err != nil {
			return err
		}
		hasTarget := false
		for _, kv := range live {
			if !kv.key.Equal(key) {
				continue
			}
			if kv.value.Equal(value) {
				hasTarget = true
				continue
			}
			version := e.nextVersion()
			if err := e.writeRevision(ctx, rec, key, kv.value, version, revision.REMOVE); err != nil {
				return err
			}
		}
		if !hasTarget {
			version := e.nextVersion()
			if err := e.writeRevision(ctx, rec, key, value, version, revision.ADD); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear removes every currently live value at key in record.
func (e *Engine) Clear(ctx context.Context, key concourse.Text, rec concourse.PrimaryKey) error {
	return e.withWriteLock(ctx, rec, key, func() error {
		live, err := e.currentLive(rec, e.nowVersion())
		if err != nil {
			return err
		}
		for _, kv := range live {
			if !kv.key.Equal(key) {
				continue
			}
			version := e.nextVersion()
			if err := e.writeRevision(ctx, rec, key, kv.value, version, revision.REMOVE); err != nil {
				return err
			}
		}
		return nil
	})
}

// Verify reports whether value is currently live at key in record.
func (e *Engine) Verify(ctx context.Context, key concourse.Text, value concourse.Value, rec concourse.PrimaryKey) (bool, error) {
	var found bool
	err := e.withReadLock(ctx, rec, key, func() error {
		live, err := e.currentLive(rec, e.nowVersion())
		if err != nil {
			return err
		}
		for _, kv := range live {
			if kv.key.Equal(key) && kv.value.Equal(value) {
				found = true
				break
			}
		}
		return nil
	})
	return found, err
}

// VerifyAndSwap atomically replaces oldValue with newValue at key in record
// iff oldValue is currently live, under a single lock hold (a
// compare-and-swap over the parity projection).
func (e *Engine) VerifyAndSwap(ctx context.Context, key concourse.Text, oldValue, newValue concourse.Value, rec concourse.PrimaryKey) (bool, error) {
	var swapped bool
	err := e.withWriteLock(ctx, rec, key, func() error {
		live, err := e.currentLive(rec, e.nowVersion())
		if err != nil {
			return err
		}
		present := false
		for _, kv := range live {
			if kv.key.Equal(key) && kv.value.Equal(oldValue) {
				present = true
				break
			}
		}
		if !present {
			return nil
		}
		v1 := e.nextVersion()
		if err := e.writeRevision(ctx, rec, key, oldValue, v1, revision.REMOVE); err != nil {
			return err
		}
		v2 := e.nextVersion()
		if err := e.writeRevision(ctx, rec, key, newValue, v2, revision.ADD); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

// Fetch returns the set of values currently (or at ts) live at key in record.
func (e *Engine) Fetch(ctx context.Context, key concourse.Text, rec concourse.PrimaryKey, ts concourse.Timestamp) ([]concourse.Value, error) {
	var out []concourse.Value
	err := e.withReadLock(ctx, rec, key, func() error {
		asOf := resolveTimestamp(ts, e.nowVersion())
		live, err := e.currentLive(rec, asOf)
		if err != nil {
			return err
		}
		for _, kv := range live {
			if kv.key.Equal(key) {
				out = append(out, kv.value)
			}
		}
		return nil
	})
	return out, err
}

// Get returns every key's live value(s) in record as of ts.
func (e *Engine) Get(ctx context.Context, rec concourse.PrimaryKey, ts concourse.Timestamp) (map[string][]concourse.Value, error) {
	out := make(map[string][]concourse.Value)
	asOf := resolveTimestamp(ts, e.nowVersion())
	live, err := e.currentLive(rec, asOf)
	if err != nil {
		return nil, err
	}
	for _, kv := range live {
		out[kv.key.String()] = append(out[kv.key.String()], kv.value)
	}
	return out, nil
}

// Describe returns the set of keys with at least one live value in record
// as of ts.
func (e *Engine) Describe(ctx context.Context, rec concourse.PrimaryKey, ts concourse.Timestamp) ([]concourse.Text, error) {
	asOf := resolveTimestamp(ts, e.nowVersion())
	live, err := e.currentLive(rec, asOf)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]concourse.Text)
	for _, kv := range live {
		seen[kv.key.String()] = kv.key
	}
	out := make([]concourse.Text, 0, len(seen))
	for _, k := range seen {
		out = append(out, k)
	}
	return out, nil
}

// Find evaluates a secondary-index predicate, returning record ids live at ts.
func (e *Engine) Find(ctx context.Context, key concourse.Text, op database.Operator, values []concourse.Value, ts concourse.Timestamp) ([]concourse.PrimaryKey, error) {
	asOf := resolveTimestamp(ts, e.nowVersion())
	return e.db.Find(key, op, values, asOf)
}

// Search evaluates a full-text query against key, returning matching record
// ids as of ts.
func (e *Engine) Search(ctx context.Context, key concourse.Text, query string, ts concourse.Timestamp) ([]concourse.PrimaryKey, error) {
	asOf := resolveTimestamp(ts, e.nowVersion())
	return e.db.Search(key, query, asOf)
}

// Audit returns record's full revision history (optionally filtered to one
// key) in version order, e.g. for the 3-entry insertion-order check in §8
// scenario 2.
func (e *Engine) Audit(ctx context.Context, rec concourse.PrimaryKey, key *concourse.Text) ([]record.HistoryEntry, error) {
	r, err := e.db.Get(rec)
	if err != nil {
		return nil, err
	}
	return r.History(key), nil
}

// Revert restores key's live state in record to what it was at ts, emitting
// only the compensating ADD/REMOVE revisions needed to converge (so that
// calling Revert twice in a row is a no-op the second time, satisfying
// IDEMPOTENT REVERT, §8).
func (e *Engine) Revert(ctx context.Context, key concourse.Text, rec concourse.PrimaryKey, ts concourse.Timestamp) error {
	return e.withWriteLock(ctx, rec, key, func() error {
		asOf := resolveTimestamp(ts, e.nowVersion())
		target, err := e.currentLive(rec, asOf)
		if err != nil {
			return err
		}
		current, err := e.currentLive(rec, e.nowVersion())
		if err != nil {
			return err
		}

		targetSet := make(map[string]concourse.Value)
		for _, kv := range target {
			if kv.key.Equal(key) {
				targetSet[string(kv.value.Bytes())] = kv.value
			}
		}
		currentSet := make(map[string]concourse.Value)
		for _, kv := range current {
			if kv.key.Equal(key) {
				currentSet[string(kv.value.Bytes())] = kv.value
			}
		}

		for k, v := range currentSet {
			if _, ok := targetSet[k]; !ok {
				version := e.nextVersion()
				if err := e.writeRevision(ctx, rec, key, v, version, revision.REMOVE); err != nil {
					return err
				}
			}
		}
		for k, v := range targetSet {
			if _, ok := currentSet[k]; !ok {
				version := e.nextVersion()
				if err := e.writeRevision(ctx, rec, key, v, version, revision.ADD); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// writeRevision durably appends the primary/secondary (and, for STRING,
// search) revisions for one write, mirroring the same (version, action)
// pair across indexes per invariant 5. It then drains the buffer so the
// write is visible to the next Get/Find/Search on this engine instance
// without waiting on the background transfer loop (autocommit's
// lock-write-unlock contract implies read-your-writes, per §8 scenario 1's
// immediate add-then-fetch).
func (e *Engine) writeRevision(ctx context.Context, rec concourse.PrimaryKey, key concourse.Text, value concourse.Value, version int64, action revision.Action) error {
	storageVal := value.WithVersion(version)

	primary := revision.NewPrimary(rec, key, storageVal, version, action)
	if err := e.buf.Insert(buffer.Entry{Primary: &primary}); err != nil {
		return err
	}

	secondary := revision.NewSecondary(key, storageVal, rec, version, action)
	if err := e.buf.Insert(buffer.Entry{Secondary: &secondary}); err != nil {
		return err
	}

	if value.Type() == concourse.STRING {
		if err := e.db.IndexSearchText(ctx, key, rec, value.Str(), version, action); err != nil {
			return err
		}
	}
	return e.drainBuffer()
}

// drainBuffer seals the buffer's current page and transfers every sealed
// page into the database, so a just-written revision is immediately
// reflected in Database.Get. The background loop in cmd/concourse-server
// calling Transfer independently is then a harmless backstop, not the
// primary visibility mechanism.
func (e *Engine) drainBuffer() error {
	if err := e.buf.Seal(); err != nil {
		return err
	}
	for {
		transferred, err := e.buf.Transfer(e.db.ApplyEntry)
		if err != nil {
			return err
		}
		if !transferred {
			return nil
		}
	}
}

// nowVersion returns a version usable as "now" for read comparisons: since
// versions are monotonic and minted only by this engine, the highest version
// minted so far is a safe upper bound for "every revision committed until
// this instant". Before any write, version 0 correctly excludes everything.
func (e *Engine) nowVersion() int64 {
	return e.lastVersion.Load()
}

// Stage begins a new staging-mode session and returns its transaction id.
func (e *Engine) Stage() concourse.UUID {
	t := txn.New(e.locks, e.nowVersion(), e.opts.MaxCommitDuration)
	e.mu.Lock()
	e.sessions[t.ID()] = &session{
		tx:      t,
		tokenOf: make(map[lockservice.Token]tokenTarget),
		pending: make(map[lockservice.Token]pendingWrite),
	}
	e.mu.Unlock()
	return t.ID()
}

func (e *Engine) sessionFor(id concourse.UUID) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, concourse.NewError(concourse.InvariantViolation, fmt.Errorf("unknown transaction %s", id), nil)
	}
	return s, nil
}

// StageWrite records a pending write for key/rec within an open transaction,
// to be durably applied at Commit. Reads within the same transaction should
// call FetchInTxn, which consults the transaction's own pending writes
// before falling back to the snapshot.
func (e *Engine) StageWrite(id concourse.UUID, key concourse.Text, rec concourse.PrimaryKey, value concourse.Value, action revision.Action) error {
	s, err := e.sessionFor(id)
	if err != nil {
		return err
	}
	tok := e.token(rec, key)
	s.tokenOf[tok] = tokenTarget{record: rec, key: key}
	s.pending[tok] = pendingWrite{value: value, action: action}
	s.tx.Stage(tok, func(version int64) error {
		return e.writeRevision(context.Background(), rec, key, value, version, action)
	})
	return nil
}

// StageRead records that key/rec was observed within an open transaction,
// for optimistic read-set validation at Commit.
func (e *Engine) StageRead(id concourse.UUID, key concourse.Text, rec concourse.PrimaryKey) error {
	s, err := e.sessionFor(id)
	if err != nil {
		return err
	}
	tok := e.token(rec, key)
	s.tokenOf[tok] = tokenTarget{record: rec, key: key}
	s.tx.RecordRead(tok, s.tx.StartVersion())
	return nil
}

// FetchInTxn returns the values live at key in record as seen from within an
// open staging transaction: the transaction's own pending write for this
// token, if any, takes precedence; otherwise it falls back to the record's
// snapshot as of the transaction's start version (§3 invariant 7). In the
// fallback case the token is added to the transaction's read set; a token
// with a pending write is already validated as part of the write set. Either
// way a concurrent committed write to it fails this transaction's commit
// validation.
func (e *Engine) FetchInTxn(id concourse.UUID, key concourse.Text, rec concourse.PrimaryKey) ([]concourse.Value, error) {
	s, err := e.sessionFor(id)
	if err != nil {
		return nil, err
	}
	tok := e.token(rec, key)
	s.tokenOf[tok] = tokenTarget{record: rec, key: key}

	if pw, ok := s.pending[tok]; ok {
		if pw.action == revision.REMOVE {
			return nil, nil
		}
		return []concourse.Value{pw.value}, nil
	}

	s.tx.RecordRead(tok, s.tx.StartVersion())
	live, err := e.currentLive(rec, s.tx.StartVersion())
	if err != nil {
		return nil, err
	}
	var out []concourse.Value
	for _, kv := range live {
		if kv.key.Equal(key) {
			out = append(out, kv.value)
		}
	}
	return out, nil
}

// Commit attempts two-phase commit for the given transaction (§4.7).
func (e *Engine) Commit(ctx context.Context, id concourse.UUID) error {
	s, err := e.sessionFor(id)
	if err != nil {
		return err
	}
	validate := func(tok lockservice.Token, asOf int64) (bool, error) {
		target, ok := s.tokenOf[tok]
		if !ok {
			return false, nil
		}
		r, err := e.db.Get(target.record)
		if err != nil {
			return false, err
		}
		for _, h := range r.History(&target.key) {
			if h.Version > asOf {
				return true, nil
			}
		}
		return false, nil
	}
	err = s.tx.Commit(ctx, validate, e.nextVersion)
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
	return err
}

// Abort discards the transaction's write set.
func (e *Engine) Abort(id concourse.UUID) error {
	s, err := e.sessionFor(id)
	if err != nil {
		return err
	}
	s.tx.Abort()
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
	return nil
}
