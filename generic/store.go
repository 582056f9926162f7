/*
store.go - Persistence contracts for ledger rows, periods and the audit log

PURPOSE:
  Defines the interface between the domain logic and the database.
  The store keeps append-only semantics for amounts while allowing the two
  administrative mutations the engine needs: a deduction's workflow state
  and a transaction's period. Both are guarded by an expected version.

KEY INTERFACES:
  LedgerStore: Transaction persistence (append, load, versioned updates)
  PeriodStore: Period definitions
  AuditLog:    Who did what when

APPEND-ONLY CONTRACT:
  - Append(): Single transaction write
  - AppendBatch(): Atomic multi-transaction write
  - UpdateDeductionState(), UpdatePeriod(): never touch Amount or Kind
  - NO Delete() method exists

IDEMPOTENCY:
  Every engine-generated write carries an idempotency key. If the key
  already exists, the write is rejected with ErrDuplicateIdempotencyKey.
  This is what makes re-running carry-forward or replaying a cancellation
  event harmless.

OPTIMISTIC LOCKING:
  Updates take the version the caller read. If the stored row has moved on,
  the update affects nothing and returns ErrConcurrentModification. Two
  concurrent approvals of one deduction therefore cannot both succeed.

IMPLEMENTATIONS:
  - store/memory: In-memory for tests and demos
  - store/sqlite: Default persistence
  - store/postgres: pgx connection pool

SEE ALSO:
  - ledger.go: Higher-level wrapper enforcing row invariants
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER STORE - Transaction persistence
// =============================================================================

type LedgerStore interface {
	// Append persists a transaction. Returns ErrDuplicateIdempotencyKey if
	// the key exists.
	Append(ctx context.Context, tx Transaction) error

	// AppendBatch persists multiple transactions atomically.
	// Either all succeed or none do.
	AppendBatch(ctx context.Context, txs []Transaction) error

	// Get returns one transaction or a *NotFoundError.
	Get(ctx context.Context, id TransactionID) (Transaction, error)

	// List returns matching transactions in insertion order.
	List(ctx context.Context, filter TransactionFilter) ([]Transaction, error)

	// Count returns the number of matching transactions, ignoring paging.
	Count(ctx context.Context, filter TransactionFilter) (int, error)

	// Exists checks if idempotency key already exists.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)

	// UpdateDeductionState moves a deduction to a new workflow state.
	UpdateDeductionState(ctx context.Context, id TransactionID, expectedVersion int, change StateChange) (Transaction, error)

	// UpdatePeriod moves a transaction to another period.
	UpdatePeriod(ctx context.Context, id TransactionID, expectedVersion int, period PeriodID) (Transaction, error)
}

// =============================================================================
// PERIOD STORE
// =============================================================================

type PeriodStore interface {
	CreatePeriod(ctx context.Context, p Period) error
	GetPeriod(ctx context.Context, id PeriodID) (Period, error)

	// ListPeriods returns all periods ordered by Start.
	ListPeriods(ctx context.Context) ([]Period, error)

	ArchivePeriod(ctx context.Context, id PeriodID, at time.Time) error
}

// =============================================================================
// AUDIT LOG - Separate from ledger, tracks who did what when
// =============================================================================

// AuditEntry records who did what when.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	ActorID   string // who performed the action
	Action    AuditAction
	SubjectID string // sale, transaction or period the action touched
	Payload   map[string]any
}

type AuditAction string

const (
	AuditSaleCreated        AuditAction = "sale_created"
	AuditSaleModified       AuditAction = "sale_modified"
	AuditSaleCancelled      AuditAction = "sale_cancelled"
	AuditSaleRestored       AuditAction = "sale_restored"
	AuditSaleTransferred    AuditAction = "sale_transferred"
	AuditSalePaid           AuditAction = "sale_paid"
	AuditDeductionApproved  AuditAction = "deduction_approved"
	AuditDeductionCancelled AuditAction = "deduction_cancelled"
	AuditCarryForward       AuditAction = "carry_forward"
	AuditDuplicateCleanup   AuditAction = "duplicate_cleanup"
	AuditPeriodReassigned   AuditAction = "period_reassigned"
	AuditPeriodCreated      AuditAction = "period_created"
	AuditPeriodArchived     AuditAction = "period_archived"
	AuditRateAdded          AuditAction = "rate_added"
	AuditSaleKindChanged    AuditAction = "sale_kind_changed"
)

// AuditLog stores audit entries. Also append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	SubjectID *string
	ActorID   *string
	Actions   []AuditAction
	From      *time.Time
	To        *time.Time
	Limit     int
}

// Match reports whether e satisfies the filter (ignores Limit).
func (f AuditFilter) Match(e AuditEntry) bool {
	if f.SubjectID != nil && e.SubjectID != *f.SubjectID {
		return false
	}
	if f.ActorID != nil && e.ActorID != *f.ActorID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}
