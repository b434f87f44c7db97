package store

import (
	"context"
	"sync"

	"rulegate/internal/domain"
	"rulegate/internal/events"
)

// Mirror is the relational copy of the ledger. A nil Mirror means the
// in-memory state is the only copy.
type Mirror interface {
	Begin(ctx context.Context) (MirrorTx, error)
	Load(ctx context.Context) (domain.Snapshot, error)
}

// MirrorTx receives every write of one unit of work.
type MirrorTx interface {
	UpsertTask(ctx context.Context, t domain.Task) error
	UpsertResults(ctx context.Context, taskID string, results []domain.Result) error
	UpsertRuleset(ctx context.Context, rs domain.Ruleset) error
	UpsertChangeRequest(ctx context.Context, cr domain.ChangeRequest) error
	InsertReview(ctx context.Context, rv domain.Review) error
	AppendAuditEvent(ctx context.Context, evt domain.AuditEvent) error
	Commit() error
	Rollback() error
}

// Reader is the read side shared by committed state and open transactions.
type Reader interface {
	Task(id string) (domain.Task, bool)
	Tasks() []domain.Task
	Results(taskID string) []domain.Result
	Ruleset(id string) (domain.Ruleset, bool)
	Rulesets() []domain.Ruleset
	ActiveRuleset() (domain.Ruleset, bool)
	ChangeRequest(id string) (domain.ChangeRequest, bool)
	ChangeRequests() []domain.ChangeRequest
	Reviews(taskID string) []domain.Review
	Applied(fingerprint string) (domain.ReconcileOutcome, bool)
}

// Store owns the ledger state of one process. All mutations go through
// Update, which holds the write lock for the whole unit of work.
type Store struct {
	mu     sync.RWMutex
	mirror Mirror
	state  *state
	audit  *events.Ledger
}

func New(mirror Mirror) *Store {
	return &Store{
		mirror: mirror,
		state:  newState(),
		audit:  events.NewLedger(),
	}
}

// Audit exposes the append-only audit log for reads.
func (s *Store) Audit() *events.Ledger { return s.audit }

// Mirrored reports whether writes are copied to a relational backend.
func (s *Store) Mirrored() bool { return s.mirror != nil }

// Load replaces in-memory state with the mirror's contents.
func (s *Store) Load(ctx context.Context) error {
	if s.mirror == nil {
		return nil
	}
	snap, err := s.mirror.Load(ctx)
	if err != nil {
		return &domain.ConsistencyError{Op: "load", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateFromSnapshot(snap)
	s.audit.Reset(snap.AuditEvents)
	return nil
}

// View runs fn against committed state under the read lock.
func (s *Store) View(fn func(r Reader) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.state)
}

// Update runs fn as one unit of work. Staged writes reach the mirror inside
// a single transaction and are applied in memory only after it commits.
// A mirror failure is returned as *domain.ConsistencyError even when fn
// swallowed it.
func (s *Store) Update(ctx context.Context, fn func(tx *Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newTxn(ctx, s.state, s.audit.NextSeq())
	if s.mirror != nil {
		mtx, err := s.mirror.Begin(ctx)
		if err != nil {
			return &domain.ConsistencyError{Op: "begin", Err: err}
		}
		tx.mtx = mtx
	}
	if err := fn(tx); err != nil {
		tx.rollback()
		if tx.mirrorErr != nil {
			return tx.mirrorErr
		}
		return err
	}
	if tx.mirrorErr != nil {
		tx.rollback()
		return tx.mirrorErr
	}
	if tx.mtx != nil {
		if err := tx.mtx.Commit(); err != nil {
			return &domain.ConsistencyError{Op: "commit", Err: err}
		}
	}
	s.state.apply(tx)
	s.audit.Append(tx.events...)
	return nil
}
