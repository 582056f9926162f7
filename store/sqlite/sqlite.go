/*
Package sqlite provides a SQLite-backed implementation of commission.TxStore.

PURPOSE:
  Default persistence of the engine. Implements the ledger, period, audit,
  sale, rate and sale kind stores on one SQLite database.

APPEND-ONLY ENFORCEMENT:
  - No DELETE statements anywhere
  - The only UPDATEs on transactions touch deduction_state (+ resolution
    columns) and period_id, each guarded by "AND version = ?"
  - amount and kind are written once by INSERT

KEY TABLES:
  transactions:       Immutable ledger rows, seq gives insertion order
  sales:              Sale records with versioned mutable columns
  sale_modifications: Append-only price history
  periods, rates, sale_kinds, audit_log

INDEXES:
  - idempotency_key UNIQUE: one row per engine event
  - idx_transactions_owner_period: aggregation hot path
  - idx_transactions_sale: held commission lookups
  - idx_transactions_carried_from: marker lookups

CONCURRENCY:
  One connection (SetMaxOpenConns(1)): ":memory:" databases are private to
  a connection, and SQLite allows a single writer anyway. A RWMutex orders
  units of work; WithTx and View run their callback on a *sql.Tx so nothing
  inside a unit re-enters the locked Store methods.

USAGE:
  store, err := sqlite.New("./data/commission.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - commission/store.go: Interface definitions
  - store/memory: In-memory implementation for tests
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
)

// Store implements commission.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
	mu sync.RWMutex
}

var _ commission.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: &queries{db: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS periods (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		archived_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		contract_number TEXT NOT NULL DEFAULT '',
		customer_name TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		list_price TEXT NOT NULL,
		discount_rate TEXT NOT NULL,
		discounted_list_price TEXT NOT NULL,
		activity_price TEXT NOT NULL,
		status TEXT NOT NULL,
		prim_status TEXT NOT NULL,
		salesperson_id TEXT NOT NULL,
		period_id TEXT NOT NULL REFERENCES periods(id),
		sale_date TEXT NOT NULL,
		rate TEXT NOT NULL,
		commission TEXT NOT NULL,
		cancel_count INTEGER NOT NULL DEFAULT 0,
		cancellation_tx_id TEXT,
		paid_at TEXT,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sales_salesperson ON sales(salesperson_id);

	-- Price history (append-only)
	CREATE TABLE IF NOT EXISTS sale_modifications (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		previous_prices_json TEXT NOT NULL,
		new_prices_json TEXT NOT NULL,
		previous_commission TEXT NOT NULL,
		new_commission TEXT NOT NULL,
		commission_delta TEXT NOT NULL,
		reason TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL,
		linked_transaction_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sale_modifications_sale ON sale_modifications(sale_id);

	-- Ledger (append-only amounts)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		salesperson_id TEXT NOT NULL,
		period_id TEXT NOT NULL REFERENCES periods(id),
		sale_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL DEFAULT '',
		rate TEXT NOT NULL DEFAULT '0',
		deduction_state TEXT NOT NULL DEFAULT '',
		resolved_by TEXT NOT NULL DEFAULT '',
		resolved_at TEXT,
		resolution_note TEXT NOT NULL DEFAULT '',
		carried_forward INTEGER NOT NULL DEFAULT 0,
		carried_from_id TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT UNIQUE,
		version INTEGER NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_owner_period
		ON transactions(salesperson_id, period_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_sale
		ON transactions(sale_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_carried_from
		ON transactions(carried_from_id) WHERE carried_from_id != '';

	CREATE TABLE IF NOT EXISTS rates (
		id TEXT PRIMARY KEY,
		percent TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sale_kinds (
		key TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		commissionable INTEGER NOT NULL,
		required_fields_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		timestamp TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		subject_id TEXT NOT NULL DEFAULT '',
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_log(subject_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// UNITS OF WORK (commission.TxStore)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(commission.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// View runs fn on a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(commission.Store) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer sqlTx.Rollback()

	return fn(&queries{db: sqlTx, readOnly: true})
}

// AppendBatch outside a unit of work still has to be atomic.
func (s *Store) AppendBatch(ctx context.Context, txs []generic.Transaction) error {
	return s.WithTx(ctx, func(st commission.Store) error {
		return st.AppendBatch(ctx, txs)
	})
}

// =============================================================================
// QUERIES - Shared by *sql.DB and *sql.Tx
// =============================================================================

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type queries struct {
	db       dbtx
	readOnly bool
}

var errReadOnly = errors.New("sqlite store: write inside a read-only view")

func (q *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if q.readOnly {
		return nil, errReadOnly
	}
	return q.db.ExecContext(ctx, query, args...)
}

// =============================================================================
// LEDGER (generic.LedgerStore)
// =============================================================================

const transactionColumns = `id, salesperson_id, period_id, sale_id, kind, amount, description, origin,
	rate, deduction_state, resolved_by, resolved_at, resolution_note, carried_forward,
	carried_from_id, idempotency_key, version, created_by, created_at`

func (q *queries) Append(ctx context.Context, tx generic.Transaction) error {
	return q.appendTx(ctx, tx)
}

func (q *queries) AppendBatch(ctx context.Context, txs []generic.Transaction) error {
	keys := make(map[string]bool, len(txs))
	for _, tx := range txs {
		if tx.IdempotencyKey == "" {
			continue
		}
		if keys[tx.IdempotencyKey] {
			return generic.ErrDuplicateIdempotencyKey
		}
		keys[tx.IdempotencyKey] = true
	}
	for _, tx := range txs {
		if err := q.appendTx(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

func (q *queries) appendTx(ctx context.Context, tx generic.Transaction) error {
	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.exec(ctx, query,
		tx.ID,
		tx.SalespersonID,
		tx.PeriodID,
		tx.SaleID,
		tx.Kind,
		tx.Amount.Value.String(),
		tx.Description,
		tx.Origin,
		tx.Rate.String(),
		tx.DeductionState,
		tx.ResolvedBy,
		nullTime(tx.ResolvedAt),
		tx.ResolutionNote,
		tx.CarriedForward,
		tx.CarriedFromID,
		nullString(tx.IdempotencyKey),
		tx.Version,
		tx.CreatedBy,
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "idempotency_key") {
				return generic.ErrDuplicateIdempotencyKey
			}
			return &generic.ConflictError{Resource: "transaction", ID: string(tx.ID), Reason: "id already exists"}
		}
		if isForeignKeyError(err) {
			return &generic.NotFoundError{Resource: "period", ID: string(tx.PeriodID)}
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (q *queries) Get(ctx context.Context, id generic.TransactionID) (generic.Transaction, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Transaction{}, &generic.NotFoundError{Resource: "transaction", ID: string(id)}
	}
	return tx, err
}

func (q *queries) List(ctx context.Context, f generic.TransactionFilter) ([]generic.Transaction, error) {
	where, args := transactionWhere(f)
	query := `SELECT ` + transactionColumns + ` FROM transactions` + where + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []generic.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (q *queries) Count(ctx context.Context, f generic.TransactionFilter) (int, error) {
	where, args := transactionWhere(f)
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

func (q *queries) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

func (q *queries) UpdateDeductionState(ctx context.Context, id generic.TransactionID, expected int, change generic.StateChange) (generic.Transaction, error) {
	at := change.At
	res, err := q.exec(ctx, `
		UPDATE transactions
		SET deduction_state = ?, resolved_by = ?, resolved_at = ?, resolution_note = ?, version = version + 1
		WHERE id = ? AND version = ? AND kind = 'deduction'`,
		change.State, change.Actor, nullTime(&at), change.Note, id, expected)
	if err != nil {
		return generic.Transaction{}, fmt.Errorf("failed to update deduction: %w", err)
	}
	return q.afterVersionedUpdate(ctx, id, res)
}

func (q *queries) UpdatePeriod(ctx context.Context, id generic.TransactionID, expected int, period generic.PeriodID) (generic.Transaction, error) {
	res, err := q.exec(ctx, `
		UPDATE transactions SET period_id = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		period, id, expected)
	if err != nil {
		if isForeignKeyError(err) {
			return generic.Transaction{}, &generic.NotFoundError{Resource: "period", ID: string(period)}
		}
		return generic.Transaction{}, fmt.Errorf("failed to update period: %w", err)
	}
	return q.afterVersionedUpdate(ctx, id, res)
}

// afterVersionedUpdate maps zero affected rows to not-found or a stale
// version, and returns the updated row otherwise.
func (q *queries) afterVersionedUpdate(ctx context.Context, id generic.TransactionID, res sql.Result) (generic.Transaction, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return generic.Transaction{}, err
	}
	tx, err := q.Get(ctx, id)
	if err != nil {
		return generic.Transaction{}, err
	}
	if n == 0 {
		return generic.Transaction{}, generic.ErrConcurrentModification
	}
	return tx, nil
}

func transactionWhere(f generic.TransactionFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if f.SalespersonID != nil {
		add("salesperson_id = ?", *f.SalespersonID)
	}
	if f.PeriodID != nil {
		add("period_id = ?", *f.PeriodID)
	}
	if f.SaleID != nil {
		add("sale_id = ?", *f.SaleID)
	}
	if f.Kind != nil {
		add("kind = ?", *f.Kind)
	}
	if f.State != nil {
		add("deduction_state = ?", *f.State)
	}
	if f.CarriedFromID != nil {
		add("carried_from_id = ?", *f.CarriedFromID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanTransaction(row scanner) (generic.Transaction, error) {
	var (
		tx             generic.Transaction
		amount, rate   string
		resolvedAt     sql.NullString
		idempotencyKey sql.NullString
		createdAt      string
	)
	err := row.Scan(
		&tx.ID, &tx.SalespersonID, &tx.PeriodID, &tx.SaleID, &tx.Kind, &amount,
		&tx.Description, &tx.Origin, &rate, &tx.DeductionState, &tx.ResolvedBy,
		&resolvedAt, &tx.ResolutionNote, &tx.CarriedForward, &tx.CarriedFromID,
		&idempotencyKey, &tx.Version, &tx.CreatedBy, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tx, err
		}
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if tx.Amount, err = parseAmount(amount); err != nil {
		return tx, err
	}
	if tx.Rate, err = decimal.NewFromString(rate); err != nil {
		return tx, fmt.Errorf("bad rate %q on %s: %w", rate, tx.ID, err)
	}
	tx.ResolvedAt = parseNullTime(resolvedAt)
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedAt = parseTime(createdAt)
	return tx, nil
}

// =============================================================================
// PERIODS (generic.PeriodStore)
// =============================================================================

func (q *queries) CreatePeriod(ctx context.Context, p generic.Period) error {
	_, err := q.exec(ctx, `
		INSERT INTO periods (id, name, start_date, end_date, archived_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, generic.FormatDay(p.Start), generic.FormatDay(p.End),
		nullTime(p.ArchivedAt), formatTime(p.CreatedAt))
	if isUniqueConstraintError(err) {
		return &generic.ConflictError{Resource: "period", ID: string(p.ID), Reason: "period already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to create period: %w", err)
	}
	return nil
}

const periodColumns = `id, name, start_date, end_date, archived_at, created_at`

func (q *queries) GetPeriod(ctx context.Context, id generic.PeriodID) (generic.Period, error) {
	p, err := scanPeriod(q.db.QueryRowContext(ctx, `SELECT `+periodColumns+` FROM periods WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Period{}, &generic.NotFoundError{Resource: "period", ID: string(id)}
	}
	return p, err
}

func (q *queries) ListPeriods(ctx context.Context) ([]generic.Period, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+periodColumns+` FROM periods ORDER BY start_date ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query periods: %w", err)
	}
	defer rows.Close()

	var out []generic.Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (q *queries) ArchivePeriod(ctx context.Context, id generic.PeriodID, at time.Time) error {
	res, err := q.exec(ctx, `UPDATE periods SET archived_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to archive period: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &generic.NotFoundError{Resource: "period", ID: string(id)}
	}
	return nil
}

func scanPeriod(row scanner) (generic.Period, error) {
	var (
		p                     generic.Period
		start, end, createdAt string
		archivedAt            sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &start, &end, &archivedAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan period: %w", err)
	}
	var err error
	if p.Start, err = generic.ParseDay(start); err != nil {
		return p, err
	}
	if p.End, err = generic.ParseDay(end); err != nil {
		return p, err
	}
	p.ArchivedAt = parseNullTime(archivedAt)
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

// =============================================================================
// AUDIT LOG (generic.AuditLog)
// =============================================================================

func (q *queries) AppendAudit(ctx context.Context, e generic.AuditEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	_, err = q.exec(ctx, `
		INSERT INTO audit_log (id, timestamp, actor_id, action, subject_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.Timestamp), e.ActorID, e.Action, e.SubjectID, string(payload))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (q *queries) QueryAudit(ctx context.Context, f generic.AuditFilter) ([]generic.AuditEntry, error) {
	var (
		conds []string
		args  []any
	)
	if f.SubjectID != nil {
		conds, args = append(conds, "subject_id = ?"), append(args, *f.SubjectID)
	}
	if f.ActorID != nil {
		conds, args = append(conds, "actor_id = ?"), append(args, *f.ActorID)
	}
	if len(f.Actions) > 0 {
		marks := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			marks[i] = "?"
			args = append(args, a)
		}
		conds = append(conds, "action IN ("+strings.Join(marks, ", ")+")")
	}
	if f.From != nil {
		conds, args = append(conds, "timestamp >= ?"), append(args, formatTime(*f.From))
	}
	if f.To != nil {
		conds, args = append(conds, "timestamp <= ?"), append(args, formatTime(*f.To))
	}

	query := `SELECT id, timestamp, actor_id, action, subject_id, payload_json FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []generic.AuditEntry
	for rows.Next() {
		var (
			e       generic.AuditEntry
			ts      string
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.ActorID, &e.Action, &e.SubjectID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp = parseTime(ts)
		if payload.Valid && payload.String != "" && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// SALES (commission.SaleStore)
// =============================================================================

const saleColumns = `id, contract_number, customer_name, kind, list_price, discount_rate,
	discounted_list_price, activity_price, status, prim_status, salesperson_id, period_id,
	sale_date, rate, commission, cancel_count, cancellation_tx_id, paid_at, version,
	created_at, updated_at`

func (q *queries) CreateSale(ctx context.Context, s commission.Sale) error {
	_, err := q.exec(ctx, `INSERT INTO sales (`+saleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ContractNumber, s.CustomerName, s.Kind,
		s.Prices.ListPrice.Value.String(), s.Prices.DiscountRate.String(),
		s.Prices.DiscountedListPrice.Value.String(), s.Prices.ActivityPrice.Value.String(),
		s.Status, s.PrimStatus, s.SalespersonID, s.PeriodID,
		generic.FormatDay(s.SaleDate), s.Rate.String(), s.Commission.Value.String(),
		s.CancelCount, nullString(string(s.CancellationTxID)), nullTime(s.PaidAt), s.Version,
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return &generic.ConflictError{Resource: "sale", ID: string(s.ID), Reason: "sale already exists"}
	}
	if isForeignKeyError(err) {
		return &generic.NotFoundError{Resource: "period", ID: string(s.PeriodID)}
	}
	if err != nil {
		return fmt.Errorf("failed to create sale: %w", err)
	}
	return nil
}

func (q *queries) GetSale(ctx context.Context, id generic.SaleID) (commission.Sale, error) {
	s, err := scanSale(q.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return commission.Sale{}, &generic.NotFoundError{Resource: "sale", ID: string(id)}
	}
	if err != nil {
		return commission.Sale{}, err
	}
	if s.History, err = q.history(ctx, id); err != nil {
		return commission.Sale{}, err
	}
	return s, nil
}

func (q *queries) ListSales(ctx context.Context, f commission.SaleFilter) ([]commission.Sale, error) {
	var (
		conds []string
		args  []any
	)
	if f.SalespersonID != nil {
		conds, args = append(conds, "salesperson_id = ?"), append(args, *f.SalespersonID)
	}
	if f.PeriodID != nil {
		conds, args = append(conds, "period_id = ?"), append(args, *f.PeriodID)
	}
	if f.Status != nil {
		conds, args = append(conds, "status = ?"), append(args, *f.Status)
	}
	query := `SELECT ` + saleColumns + ` FROM sales`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sales: %w", err)
	}
	defer rows.Close()

	var out []commission.Sale
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (q *queries) UpdateSale(ctx context.Context, s commission.Sale, expected int) (commission.Sale, error) {
	res, err := q.exec(ctx, `
		UPDATE sales SET
			contract_number = ?, customer_name = ?, list_price = ?, discount_rate = ?,
			discounted_list_price = ?, activity_price = ?, status = ?, prim_status = ?,
			salesperson_id = ?, period_id = ?, commission = ?, cancel_count = ?,
			cancellation_tx_id = ?, paid_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		s.ContractNumber, s.CustomerName, s.Prices.ListPrice.Value.String(), s.Prices.DiscountRate.String(),
		s.Prices.DiscountedListPrice.Value.String(), s.Prices.ActivityPrice.Value.String(), s.Status, s.PrimStatus,
		s.SalespersonID, s.PeriodID, s.Commission.Value.String(), s.CancelCount,
		nullString(string(s.CancellationTxID)), nullTime(s.PaidAt), formatTime(s.UpdatedAt),
		s.ID, expected,
	)
	if err != nil {
		return commission.Sale{}, fmt.Errorf("failed to update sale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return commission.Sale{}, err
	}
	updated, err := q.GetSale(ctx, s.ID)
	if err != nil {
		return commission.Sale{}, err
	}
	if n == 0 {
		return commission.Sale{}, generic.ErrConcurrentModification
	}
	return updated, nil
}

func (q *queries) AppendModification(ctx context.Context, id generic.SaleID, m commission.Modification) error {
	prev, err := json.Marshal(m.PreviousPrices)
	if err != nil {
		return err
	}
	next, err := json.Marshal(m.NewPrices)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, `
		INSERT INTO sale_modifications
		(sale_id, previous_prices_json, new_prices_json, previous_commission, new_commission,
		 commission_delta, reason, actor, at, linked_transaction_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(prev), string(next), m.PreviousCommission.Value.String(), m.NewCommission.Value.String(),
		m.CommissionDelta.Value.String(), m.Reason, m.Actor, formatTime(m.At), nullString(string(m.LinkedTransactionID)),
	)
	if isForeignKeyError(err) {
		return &generic.NotFoundError{Resource: "sale", ID: string(id)}
	}
	if err != nil {
		return fmt.Errorf("failed to append modification: %w", err)
	}
	return nil
}

func (q *queries) history(ctx context.Context, id generic.SaleID) ([]commission.Modification, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT previous_prices_json, new_prices_json, previous_commission, new_commission,
		       commission_delta, reason, actor, at, linked_transaction_id
		FROM sale_modifications WHERE sale_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query sale history: %w", err)
	}
	defer rows.Close()

	var out []commission.Modification
	for rows.Next() {
		var (
			m                     commission.Modification
			prev, next            string
			prevC, nextC, deltaC  string
			at                    string
			linked                sql.NullString
		)
		if err := rows.Scan(&prev, &next, &prevC, &nextC, &deltaC, &m.Reason, &m.Actor, &at, &linked); err != nil {
			return nil, fmt.Errorf("failed to scan modification: %w", err)
		}
		if err := json.Unmarshal([]byte(prev), &m.PreviousPrices); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(next), &m.NewPrices); err != nil {
			return nil, err
		}
		if m.PreviousCommission, err = parseAmount(prevC); err != nil {
			return nil, err
		}
		if m.NewCommission, err = parseAmount(nextC); err != nil {
			return nil, err
		}
		if m.CommissionDelta, err = parseAmount(deltaC); err != nil {
			return nil, err
		}
		m.At = parseTime(at)
		m.LinkedTransactionID = generic.TransactionID(linked.String)
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanSale(row scanner) (commission.Sale, error) {
	var (
		s                                      commission.Sale
		listPrice, discountRate, discounted    string
		activity, rate, commissionAmount       string
		saleDate, createdAt, updatedAt         string
		cancellationTxID, paidAt               sql.NullString
	)
	err := row.Scan(
		&s.ID, &s.ContractNumber, &s.CustomerName, &s.Kind, &listPrice, &discountRate,
		&discounted, &activity, &s.Status, &s.PrimStatus, &s.SalespersonID, &s.PeriodID,
		&saleDate, &rate, &commissionAmount, &s.CancelCount, &cancellationTxID, &paidAt, &s.Version,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, err
		}
		return s, fmt.Errorf("failed to scan sale: %w", err)
	}

	if s.Prices.ListPrice, err = parseAmount(listPrice); err != nil {
		return s, err
	}
	if s.Prices.DiscountRate, err = decimal.NewFromString(discountRate); err != nil {
		return s, err
	}
	if s.Prices.DiscountedListPrice, err = parseAmount(discounted); err != nil {
		return s, err
	}
	if s.Prices.ActivityPrice, err = parseAmount(activity); err != nil {
		return s, err
	}
	if s.Rate, err = decimal.NewFromString(rate); err != nil {
		return s, err
	}
	if s.Commission, err = parseAmount(commissionAmount); err != nil {
		return s, err
	}
	if s.SaleDate, err = generic.ParseDay(saleDate); err != nil {
		return s, err
	}
	s.CancellationTxID = generic.TransactionID(cancellationTxID.String)
	s.PaidAt = parseNullTime(paidAt)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return s, nil
}

// =============================================================================
// RATES AND SALE KINDS
// =============================================================================

func (q *queries) AddRate(ctx context.Context, r commission.Rate) error {
	_, err := q.exec(ctx, `
		INSERT INTO rates (id, percent, effective_from, created_by, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Percent.String(), generic.FormatDay(r.EffectiveFrom), r.CreatedBy, formatTime(r.CreatedAt))
	if isUniqueConstraintError(err) {
		return &generic.ConflictError{Resource: "rate", ID: r.ID, Reason: "rate already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to add rate: %w", err)
	}
	return nil
}

func (q *queries) ListRates(ctx context.Context) ([]commission.Rate, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, percent, effective_from, created_by, created_at
		FROM rates ORDER BY effective_from ASC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rates: %w", err)
	}
	defer rows.Close()

	var out []commission.Rate
	for rows.Next() {
		var (
			r                          commission.Rate
			percent, from, createdAt   string
		)
		if err := rows.Scan(&r.ID, &percent, &from, &r.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan rate: %w", err)
		}
		if r.Percent, err = decimal.NewFromString(percent); err != nil {
			return nil, err
		}
		if r.EffectiveFrom, err = generic.ParseDay(from); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *queries) PutSaleKind(ctx context.Context, k commission.SaleKind) error {
	fields, err := json.Marshal(k.RequiredFields)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, `
		INSERT INTO sale_kinds (key, name, commissionable, required_fields_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			name = excluded.name,
			commissionable = excluded.commissionable,
			required_fields_json = excluded.required_fields_json`,
		k.Key, k.Name, k.Commissionable, string(fields))
	if err != nil {
		return fmt.Errorf("failed to save sale kind: %w", err)
	}
	return nil
}

func (q *queries) GetSaleKind(ctx context.Context, key commission.SaleKindKey) (commission.SaleKind, error) {
	k, err := scanSaleKind(q.db.QueryRowContext(ctx,
		`SELECT key, name, commissionable, required_fields_json FROM sale_kinds WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return commission.SaleKind{}, &generic.NotFoundError{Resource: "sale_kind", ID: string(key)}
	}
	return k, err
}

func (q *queries) ListSaleKinds(ctx context.Context) ([]commission.SaleKind, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT key, name, commissionable, required_fields_json FROM sale_kinds ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sale kinds: %w", err)
	}
	defer rows.Close()

	var out []commission.SaleKind
	for rows.Next() {
		k, err := scanSaleKind(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func scanSaleKind(row scanner) (commission.SaleKind, error) {
	var (
		k      commission.SaleKind
		fields string
	)
	if err := row.Scan(&k.Key, &k.Name, &k.Commissionable, &fields); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return k, err
		}
		return k, fmt.Errorf("failed to scan sale kind: %w", err)
	}
	if err := json.Unmarshal([]byte(fields), &k.RequiredFields); err != nil {
		return k, fmt.Errorf("bad required fields on sale kind %s: %w", k.Key, err)
	}
	return k, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseAmount(value string) (generic.Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return generic.Amount{}, fmt.Errorf("bad stored amount %q: %w", value, err)
	}
	return generic.NewAmount(d), nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}
