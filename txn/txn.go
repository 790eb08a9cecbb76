// Package txn defines the two engine modes described in §4.7, AUTOCOMMIT
// (per-operation lock, write, unlock, carried out by the engine package) and
// STAGING, and implements STAGING: writes accumulate in a private write set
// and commit performs two-phase validation under ascending token-hash lock
// ordering. This is ported from the teacher's
// two-phase-commit Transaction state machine, generalized from B-tree node
// staging to the engine's (token -> staged write) model.
package txn

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hunglin/concourse"
	"github.com/hunglin/concourse/lockservice"
)

// Mode is the engine's session mode.
type Mode int

const (
	Autocommit Mode = iota
	Staging
)

// Write is one pending write in a transaction's private write set. Apply
// receives the version assigned to it at commit time: staged writes are
// not stamped with a version until Commit mints them one after another from
// the engine's monotonic sequence (§4.7: "flush all staged revisions ...
// under a single monotonic version sequence").
type Write struct {
	Token lockservice.Token
	Apply func(version int64) error
}

// phase mirrors the teacher's phaseDone state machine.
type phase int

const (
	phaseOpen phase = iota
	phaseValidating
	phaseCommitted
	phaseAborted
)

// Transaction accumulates a private write set and read set keyed by
// lockservice.Token while in Staging mode.
type Transaction struct {
	mu sync.Mutex

	id           concourse.UUID
	mode         Mode
	startVersion int64
	maxDuration  time.Duration

	locks lockservice.Service

	writes  map[lockservice.Token]*Write
	reads   map[lockservice.Token]int64 // token -> version observed at read time
	phase   phase
	ownerID string
}

// New starts a new transaction in Staging mode with a snapshot fixed at
// startVersion (the engine's most recently minted version at stage time).
func New(locks lockservice.Service, startVersion int64, maxDuration time.Duration) *Transaction {
	return &Transaction{
		id:           concourse.NewUUID(),
		mode:         Staging,
		startVersion: startVersion,
		maxDuration:  maxDuration,
		locks:        locks,
		writes:       make(map[lockservice.Token]*Write),
		reads:        make(map[lockservice.Token]int64),
		ownerID:      lockservice.NewOwnerID(),
		phase:        phaseOpen,
	}
}

func (t *Transaction) ID() concourse.UUID     { return t.id }
func (t *Transaction) StartVersion() int64    { return t.startVersion }

// RecordRead notes that token was observed at version currentVersion. Commit
// validation fails if any committed write touches this token at a version
// greater than currentVersion.
func (t *Transaction) RecordRead(token lockservice.Token, currentVersion int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.writes[token]; ok {
		return // writes already dominate; no need to track as a read dependency
	}
	t.reads[token] = currentVersion
}

// Stage records a pending write for token, to be applied only on Commit.
func (t *Transaction) Stage(token lockservice.Token, apply func(version int64) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes[token] = &Write{Token: token, Apply: apply}
	delete(t.reads, token)
}

// PendingWrite returns the staged write for token, if any, so reads within
// the transaction can consult the write set before falling back to the
// engine's snapshot at start version (§4.7).
func (t *Transaction) PendingWrite(token lockservice.Token) (*Write, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.writes[token]
	return w, ok
}

// ValidateFunc checks, for a given token, whether a revision with version
// greater than asOf has been committed against it since the transaction
// began. Supplied by the engine, which knows how to consult its indexes.
type ValidateFunc func(token lockservice.Token, asOf int64) (conflict bool, err error)

// Commit performs two-phase commit: (1) acquire write locks on every token
// touched, ordered by ascending token hash to avoid deadlock, plus read
// locks on every read-set token; (2) run validate against every read-set and
// write-set token; if no conflict, apply every staged write and release
// locks. On any conflict the locks are released and
// concourse.ErrTransactionConflict-classified error is returned. nextVersion
// mints the monotonic version stamped onto each staged write, in token-hash
// order. The versions increase in that order; they are contiguous only if no
// other writer mints a version while the commit applies its writes.
func (t *Transaction) Commit(ctx context.Context, validate ValidateFunc, nextVersion func() int64) error {
	t.mu.Lock()
	if t.phase != phaseOpen {
		t.mu.Unlock()
		return concourse.NewError(concourse.InvariantViolation, concourse.ErrTransactionFinalized, nil)
	}
	t.phase = phaseValidating
	tokens := make([]lockservice.Token, 0, len(t.writes)+len(t.reads))
	seen := make(map[lockservice.Token]bool)
	for tok := range t.writes {
		if !seen[tok] {
			tokens = append(tokens, tok)
			seen[tok] = true
		}
	}
	for tok := range t.reads {
		if !seen[tok] {
			tokens = append(tokens, tok)
			seen[tok] = true
		}
	}
	writes := make(map[lockservice.Token]*Write, len(t.writes))
	for k, v := range t.writes {
		writes[k] = v
	}
	reads := make(map[lockservice.Token]int64, len(t.reads))
	for k, v := range t.reads {
		reads[k] = v
	}
	owner := t.ownerID
	t.mu.Unlock()

	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Hash() < tokens[j].Hash() })

	cctx, cancel := context.WithTimeout(ctx, t.maxDuration)
	defer cancel()

	release := make([]func(), 0, len(tokens))
	defer func() {
		for i := len(release) - 1; i >= 0; i-- {
			release[i]()
		}
	}()

	for _, tok := range tokens {
		lock := t.locks.Get(tok)
		var err error
		if _, isWrite := writes[tok]; isWrite {
			if err = lock.Lock(cctx, owner); err == nil {
				release = append(release, func() { lock.Unlock(owner) })
			}
		} else if err = lock.RLock(cctx, owner); err == nil {
			release = append(release, func() { lock.RUnlock(owner) })
		}
		if err != nil {
			t.finish(phaseAborted)
			return err
		}
	}

	for tok := range writes {
		conflict, err := validate(tok, t.startVersion)
		if err != nil {
			t.finish(phaseAborted)
			return err
		}
		if conflict {
			t.finish(phaseAborted)
			return concourse.NewError(concourse.TransactionConflict, concourse.ErrTransactionConflict, tok)
		}
	}
	for tok, asOf := range reads {
		conflict, err := validate(tok, asOf)
		if err != nil {
			t.finish(phaseAborted)
			return err
		}
		if conflict {
			t.finish(phaseAborted)
			return concourse.NewError(concourse.TransactionConflict, concourse.ErrTransactionConflict, tok)
		}
	}

	for _, tok := range tokens {
		w, ok := writes[tok]
		if !ok {
			continue
		}
		if err := w.Apply(nextVersion()); err != nil {
			t.finish(phaseAborted)
			return err
		}
	}

	t.finish(phaseCommitted)
	return nil
}

// Abort discards the write set without applying anything.
func (t *Transaction) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = make(map[lockservice.Token]*Write)
	t.reads = make(map[lockservice.Token]int64)
	t.phase = phaseAborted
}

func (t *Transaction) finish(p phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = p
}

// IsDone reports whether the transaction has committed or aborted.
func (t *Transaction) IsDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase == phaseCommitted || t.phase == phaseAborted
}
