/*
Package postgres provides a PostgreSQL implementation of commission.TxStore.

PURPOSE:
  Multi-instance deployments. Same tables and guarantees as store/sqlite,
  on a pgx connection pool.

AMOUNTS:
  Stored as NUMERIC(18,2)/NUMERIC(9,4). Written as decimal strings and read
  back with ::text so no value goes through float64.

CONCURRENCY:
  Versioned updates ("AND version = $n") detect lost updates across
  instances. Unique violations on idempotency_key map to
  generic.ErrDuplicateIdempotencyKey; serialization failures map to
  generic.ErrConcurrentModification.

SEE ALSO:
  - store/sqlite: Default single-node store
  - commission/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
)

// Store implements commission.TxStore on a pgx pool.
type Store struct {
	*queries
	pool *pgxpool.Pool
}

var _ commission.TxStore = (*Store)(nil)

// New connects to databaseURL, pings it and migrates the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse DATABASE_URL: %w", err)
	}
	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{queries: &queries{db: pool}, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS periods (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		start_date DATE NOT NULL,
		end_date DATE NOT NULL,
		archived_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		contract_number TEXT NOT NULL DEFAULT '',
		customer_name TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		list_price NUMERIC(18,2) NOT NULL,
		discount_rate NUMERIC(9,4) NOT NULL,
		discounted_list_price NUMERIC(18,2) NOT NULL,
		activity_price NUMERIC(18,2) NOT NULL,
		status TEXT NOT NULL,
		prim_status TEXT NOT NULL,
		salesperson_id TEXT NOT NULL,
		period_id TEXT NOT NULL REFERENCES periods(id),
		sale_date DATE NOT NULL,
		rate NUMERIC(9,4) NOT NULL,
		commission NUMERIC(18,2) NOT NULL,
		cancel_count INT NOT NULL DEFAULT 0,
		cancellation_tx_id TEXT,
		paid_at TIMESTAMPTZ,
		version INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sales_salesperson ON sales(salesperson_id);

	CREATE TABLE IF NOT EXISTS sale_modifications (
		seq BIGSERIAL PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		previous_prices JSONB NOT NULL,
		new_prices JSONB NOT NULL,
		previous_commission NUMERIC(18,2) NOT NULL,
		new_commission NUMERIC(18,2) NOT NULL,
		commission_delta NUMERIC(18,2) NOT NULL,
		reason TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		at TIMESTAMPTZ NOT NULL,
		linked_transaction_id TEXT
	);

	CREATE TABLE IF NOT EXISTS transactions (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		salesperson_id TEXT NOT NULL,
		period_id TEXT NOT NULL REFERENCES periods(id),
		sale_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		amount NUMERIC(18,2) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL DEFAULT '',
		rate NUMERIC(9,4) NOT NULL DEFAULT 0,
		deduction_state TEXT NOT NULL DEFAULT '',
		resolved_by TEXT NOT NULL DEFAULT '',
		resolved_at TIMESTAMPTZ,
		resolution_note TEXT NOT NULL DEFAULT '',
		carried_forward BOOLEAN NOT NULL DEFAULT FALSE,
		carried_from_id TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT UNIQUE,
		version INT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_owner_period ON transactions(salesperson_id, period_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_sale ON transactions(sale_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_carried_from ON transactions(carried_from_id);

	CREATE TABLE IF NOT EXISTS rates (
		id TEXT PRIMARY KEY,
		percent NUMERIC(9,4) NOT NULL,
		effective_from DATE NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sale_kinds (
		key TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		commissionable BOOLEAN NOT NULL,
		required_fields JSONB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		timestamp TIMESTAMPTZ NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		subject_id TEXT NOT NULL DEFAULT '',
		payload JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_log(subject_id);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// UNITS OF WORK
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(commission.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(&queries{db: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback error: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// View runs fn on a read-only repeatable-read transaction.
func (s *Store) View(ctx context.Context, fn func(commission.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin read transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	return fn(&queries{db: tx})
}

func (s *Store) AppendBatch(ctx context.Context, txs []generic.Transaction) error {
	return s.WithTx(ctx, func(st commission.Store) error {
		return st.AppendBatch(ctx, txs)
	})
}

// =============================================================================
// QUERIES
// =============================================================================

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db querier
}

const transactionColumns = `id, salesperson_id, period_id, sale_id, kind, amount::text, description, origin,
	rate::text, deduction_state, resolved_by, resolved_at, resolution_note, carried_forward,
	carried_from_id, idempotency_key, version, created_by, created_at`

const transactionInsertColumns = `id, salesperson_id, period_id, sale_id, kind, amount, description, origin,
	rate, deduction_state, resolved_by, resolved_at, resolution_note, carried_forward,
	carried_from_id, idempotency_key, version, created_by, created_at`

func (q *queries) Append(ctx context.Context, tx generic.Transaction) error {
	_, err := q.db.Exec(ctx, `INSERT INTO transactions (`+transactionInsertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		string(tx.ID), string(tx.SalespersonID), string(tx.PeriodID), string(tx.SaleID), string(tx.Kind),
		tx.Amount.Value.String(), tx.Description, string(tx.Origin), tx.Rate.String(),
		string(tx.DeductionState), tx.ResolvedBy, tx.ResolvedAt, tx.ResolutionNote, tx.CarriedForward,
		string(tx.CarriedFromID), nullable(tx.IdempotencyKey), tx.Version, tx.CreatedBy, tx.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505": // unique_violation
				if strings.Contains(pgErr.ConstraintName, "idempotency_key") {
					return generic.ErrDuplicateIdempotencyKey
				}
				return &generic.ConflictError{Resource: "transaction", ID: string(tx.ID), Reason: "id already exists"}
			case "23503": // foreign_key_violation
				return &generic.NotFoundError{Resource: "period", ID: string(tx.PeriodID)}
			}
		}
		return mapError(fmt.Errorf("failed to append transaction: %w", err))
	}
	return nil
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
		if err := q.Append(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

func (q *queries) Get(ctx context.Context, id generic.TransactionID) (generic.Transaction, error) {
	tx, err := scanTransaction(q.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Transaction{}, &generic.NotFoundError{Resource: "transaction", ID: string(id)}
	}
	return tx, err
}

func (q *queries) List(ctx context.Context, f generic.TransactionFilter) ([]generic.Transaction, error) {
	where, args := transactionWhere(f)
	query := `SELECT ` + transactionColumns + ` FROM transactions` + where + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := q.db.Query(ctx, query, args...)
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
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

func (q *queries) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM transactions WHERE idempotency_key = $1)`, idempotencyKey,
	).Scan(&exists)
	return exists, err
}

func (q *queries) UpdateDeductionState(ctx context.Context, id generic.TransactionID, expected int, change generic.StateChange) (generic.Transaction, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE transactions
		SET deduction_state = $1, resolved_by = $2, resolved_at = $3, resolution_note = $4, version = version + 1
		WHERE id = $5 AND version = $6 AND kind = 'deduction'`,
		string(change.State), change.Actor, change.At, change.Note, string(id), expected)
	if err != nil {
		return generic.Transaction{}, mapError(fmt.Errorf("failed to update deduction: %w", err))
	}
	return q.afterVersionedUpdate(ctx, id, tag)
}

func (q *queries) UpdatePeriod(ctx context.Context, id generic.TransactionID, expected int, period generic.PeriodID) (generic.Transaction, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE transactions SET period_id = $1, version = version + 1
		WHERE id = $2 AND version = $3`,
		string(period), string(id), expected)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return generic.Transaction{}, &generic.NotFoundError{Resource: "period", ID: string(period)}
		}
		return generic.Transaction{}, mapError(fmt.Errorf("failed to update period: %w", err))
	}
	return q.afterVersionedUpdate(ctx, id, tag)
}

func (q *queries) afterVersionedUpdate(ctx context.Context, id generic.TransactionID, tag pgconn.CommandTag) (generic.Transaction, error) {
	tx, err := q.Get(ctx, id)
	if err != nil {
		return generic.Transaction{}, err
	}
	if tag.RowsAffected() == 0 {
		return generic.Transaction{}, generic.ErrConcurrentModification
	}
	return tx, nil
}

func transactionWhere(f generic.TransactionFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(column string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if f.SalespersonID != nil {
		add("salesperson_id", string(*f.SalespersonID))
	}
	if f.PeriodID != nil {
		add("period_id", string(*f.PeriodID))
	}
	if f.SaleID != nil {
		add("sale_id", string(*f.SaleID))
	}
	if f.Kind != nil {
		add("kind", string(*f.Kind))
	}
	if f.State != nil {
		add("deduction_state", string(*f.State))
	}
	if f.CarriedFromID != nil {
		add("carried_from_id", string(*f.CarriedFromID))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanTransaction(row pgx.Row) (generic.Transaction, error) {
	var (
		tx                                       generic.Transaction
		id, sp, period, sale, kind, origin       string
		state, carriedFrom                       string
		amount, rate                             string
		idempotencyKey                           *string
	)
	err := row.Scan(
		&id, &sp, &period, &sale, &kind, &amount, &tx.Description, &origin,
		&rate, &state, &tx.ResolvedBy, &tx.ResolvedAt, &tx.ResolutionNote, &tx.CarriedForward,
		&carriedFrom, &idempotencyKey, &tx.Version, &tx.CreatedBy, &tx.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tx, err
		}
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.ID = generic.TransactionID(id)
	tx.SalespersonID = generic.SalespersonID(sp)
	tx.PeriodID = generic.PeriodID(period)
	tx.SaleID = generic.SaleID(sale)
	tx.Kind = generic.TransactionKind(kind)
	tx.Origin = generic.Origin(origin)
	tx.DeductionState = generic.DeductionState(state)
	tx.CarriedFromID = generic.TransactionID(carriedFrom)
	if idempotencyKey != nil {
		tx.IdempotencyKey = *idempotencyKey
	}
	if tx.Amount, err = generic.ParseAmount(amount); err != nil {
		return tx, err
	}
	if tx.Rate, err = decimal.NewFromString(rate); err != nil {
		return tx, err
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	return tx, nil
}

// =============================================================================
// PERIODS
// =============================================================================

func (q *queries) CreatePeriod(ctx context.Context, p generic.Period) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO periods (id, name, start_date, end_date, archived_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(p.ID), p.Name, p.Start, p.End, p.ArchivedAt, p.CreatedAt)
	if isUniqueViolation(err) {
		return &generic.ConflictError{Resource: "period", ID: string(p.ID), Reason: "period already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to create period: %w", err)
	}
	return nil
}

const periodColumns = `id, name, start_date, end_date, archived_at, created_at`

func (q *queries) GetPeriod(ctx context.Context, id generic.PeriodID) (generic.Period, error) {
	p, err := scanPeriod(q.db.QueryRow(ctx, `SELECT `+periodColumns+` FROM periods WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return generic.Period{}, &generic.NotFoundError{Resource: "period", ID: string(id)}
	}
	return p, err
}

func (q *queries) ListPeriods(ctx context.Context) ([]generic.Period, error) {
	rows, err := q.db.Query(ctx, `SELECT `+periodColumns+` FROM periods ORDER BY start_date ASC`)
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
	tag, err := q.db.Exec(ctx, `UPDATE periods SET archived_at = $1 WHERE id = $2`, at, string(id))
	if err != nil {
		return fmt.Errorf("failed to archive period: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &generic.NotFoundError{Resource: "period", ID: string(id)}
	}
	return nil
}

func scanPeriod(row pgx.Row) (generic.Period, error) {
	var (
		p  generic.Period
		id string
	)
	if err := row.Scan(&id, &p.Name, &p.Start, &p.End, &p.ArchivedAt, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan period: %w", err)
	}
	p.ID = generic.PeriodID(id)
	p.Start, p.End = generic.Day(p.Start), generic.Day(p.End)
	return p, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (q *queries) AppendAudit(ctx context.Context, e generic.AuditEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO audit_log (id, timestamp, actor_id, action, subject_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Timestamp, e.ActorID, string(e.Action), e.SubjectID, payload)
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
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.SubjectID != nil {
		add("subject_id = $%d", *f.SubjectID)
	}
	if f.ActorID != nil {
		add("actor_id = $%d", *f.ActorID)
	}
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		add("action = ANY($%d)", actions)
	}
	if f.From != nil {
		add("timestamp >= $%d", *f.From)
	}
	if f.To != nil {
		add("timestamp <= $%d", *f.To)
	}

	query := `SELECT id, timestamp, actor_id, action, subject_id, payload FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []generic.AuditEntry
	for rows.Next() {
		var (
			e       generic.AuditEntry
			action  string
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ActorID, &action, &e.SubjectID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = generic.AuditAction(action)
		e.Timestamp = e.Timestamp.UTC()
		if len(payload) > 0 && string(payload) != "null" {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// SALES
// =============================================================================

const saleSelectColumns = `id, contract_number, customer_name, kind, list_price::text, discount_rate::text,
	discounted_list_price::text, activity_price::text, status, prim_status, salesperson_id, period_id,
	sale_date, rate::text, commission::text, cancel_count, cancellation_tx_id, paid_at, version,
	created_at, updated_at`

func (q *queries) CreateSale(ctx context.Context, s commission.Sale) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO sales (id, contract_number, customer_name, kind, list_price, discount_rate,
			discounted_list_price, activity_price, status, prim_status, salesperson_id, period_id,
			sale_date, rate, commission, cancel_count, cancellation_tx_id, paid_at, version,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		string(s.ID), s.ContractNumber, s.CustomerName, string(s.Kind),
		s.Prices.ListPrice.Value.String(), s.Prices.DiscountRate.String(),
		s.Prices.DiscountedListPrice.Value.String(), s.Prices.ActivityPrice.Value.String(),
		string(s.Status), string(s.PrimStatus), string(s.SalespersonID), string(s.PeriodID),
		s.SaleDate, s.Rate.String(), s.Commission.Value.String(), s.CancelCount,
		nullable(string(s.CancellationTxID)), s.PaidAt, s.Version, s.CreatedAt, s.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return &generic.ConflictError{Resource: "sale", ID: string(s.ID), Reason: "sale already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to create sale: %w", err)
	}
	return nil
}

func (q *queries) GetSale(ctx context.Context, id generic.SaleID) (commission.Sale, error) {
	s, err := scanSale(q.db.QueryRow(ctx, `SELECT `+saleSelectColumns+` FROM sales WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
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
	add := func(column string, v string) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if f.SalespersonID != nil {
		add("salesperson_id", string(*f.SalespersonID))
	}
	if f.PeriodID != nil {
		add("period_id", string(*f.PeriodID))
	}
	if f.Status != nil {
		add("status", string(*f.Status))
	}
	query := `SELECT ` + saleSelectColumns + ` FROM sales`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := q.db.Query(ctx, query, args...)
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
	tag, err := q.db.Exec(ctx, `
		UPDATE sales SET
			contract_number = $1, customer_name = $2, list_price = $3, discount_rate = $4,
			discounted_list_price = $5, activity_price = $6, status = $7, prim_status = $8,
			salesperson_id = $9, period_id = $10, commission = $11, cancel_count = $12,
			cancellation_tx_id = $13, paid_at = $14, updated_at = $15, version = version + 1
		WHERE id = $16 AND version = $17`,
		s.ContractNumber, s.CustomerName, s.Prices.ListPrice.Value.String(), s.Prices.DiscountRate.String(),
		s.Prices.DiscountedListPrice.Value.String(), s.Prices.ActivityPrice.Value.String(),
		string(s.Status), string(s.PrimStatus), string(s.SalespersonID), string(s.PeriodID),
		s.Commission.Value.String(), s.CancelCount, nullable(string(s.CancellationTxID)), s.PaidAt, s.UpdatedAt,
		string(s.ID), expected,
	)
	if err != nil {
		return commission.Sale{}, mapError(fmt.Errorf("failed to update sale: %w", err))
	}
	updated, err := q.GetSale(ctx, s.ID)
	if err != nil {
		return commission.Sale{}, err
	}
	if tag.RowsAffected() == 0 {
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
	_, err = q.db.Exec(ctx, `
		INSERT INTO sale_modifications
		(sale_id, previous_prices, new_prices, previous_commission, new_commission,
		 commission_delta, reason, actor, at, linked_transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(id), prev, next, m.PreviousCommission.Value.String(), m.NewCommission.Value.String(),
		m.CommissionDelta.Value.String(), m.Reason, m.Actor, m.At, nullable(string(m.LinkedTransactionID)),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return &generic.NotFoundError{Resource: "sale", ID: string(id)}
		}
		return fmt.Errorf("failed to append modification: %w", err)
	}
	return nil
}

func (q *queries) history(ctx context.Context, id generic.SaleID) ([]commission.Modification, error) {
	rows, err := q.db.Query(ctx, `
		SELECT previous_prices, new_prices, previous_commission::text, new_commission::text,
		       commission_delta::text, reason, actor, at, linked_transaction_id
		FROM sale_modifications WHERE sale_id = $1 ORDER BY seq ASC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query sale history: %w", err)
	}
	defer rows.Close()

	var out []commission.Modification
	for rows.Next() {
		var (
			m                    commission.Modification
			prev, next           []byte
			prevC, nextC, deltaC string
			linked               *string
		)
		if err := rows.Scan(&prev, &next, &prevC, &nextC, &deltaC, &m.Reason, &m.Actor, &m.At, &linked); err != nil {
			return nil, fmt.Errorf("failed to scan modification: %w", err)
		}
		if err := json.Unmarshal(prev, &m.PreviousPrices); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(next, &m.NewPrices); err != nil {
			return nil, err
		}
		if m.PreviousCommission, err = generic.ParseAmount(prevC); err != nil {
			return nil, err
		}
		if m.NewCommission, err = generic.ParseAmount(nextC); err != nil {
			return nil, err
		}
		if m.CommissionDelta, err = generic.ParseAmount(deltaC); err != nil {
			return nil, err
		}
		if linked != nil {
			m.LinkedTransactionID = generic.TransactionID(*linked)
		}
		m.At = m.At.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanSale(row pgx.Row) (commission.Sale, error) {
	var (
		s                                         commission.Sale
		id, kind, status, prim, sp, period        string
		listPrice, discountRate, discounted       string
		activity, rate, commissionAmount          string
		cancellationTxID                          *string
	)
	err := row.Scan(
		&id, &s.ContractNumber, &s.CustomerName, &kind, &listPrice, &discountRate,
		&discounted, &activity, &status, &prim, &sp, &period,
		&s.SaleDate, &rate, &commissionAmount, &s.CancelCount, &cancellationTxID, &s.PaidAt, &s.Version,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s, err
		}
		return s, fmt.Errorf("failed to scan sale: %w", err)
	}
	s.ID = generic.SaleID(id)
	s.Kind = commission.SaleKindKey(kind)
	s.Status = commission.SaleStatus(status)
	s.PrimStatus = commission.PrimStatus(prim)
	s.SalespersonID = generic.SalespersonID(sp)
	s.PeriodID = generic.PeriodID(period)
	s.SaleDate = generic.Day(s.SaleDate)
	if cancellationTxID != nil {
		s.CancellationTxID = generic.TransactionID(*cancellationTxID)
	}

	if s.Prices.ListPrice, err = generic.ParseAmount(listPrice); err != nil {
		return s, err
	}
	if s.Prices.DiscountRate, err = decimal.NewFromString(discountRate); err != nil {
		return s, err
	}
	if s.Prices.DiscountedListPrice, err = generic.ParseAmount(discounted); err != nil {
		return s, err
	}
	if s.Prices.ActivityPrice, err = generic.ParseAmount(activity); err != nil {
		return s, err
	}
	if s.Rate, err = decimal.NewFromString(rate); err != nil {
		return s, err
	}
	if s.Commission, err = generic.ParseAmount(commissionAmount); err != nil {
		return s, err
	}
	return s, nil
}

// =============================================================================
// RATES AND SALE KINDS
// =============================================================================

func (q *queries) AddRate(ctx context.Context, r commission.Rate) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO rates (id, percent, effective_from, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.Percent.String(), r.EffectiveFrom, r.CreatedBy, r.CreatedAt)
	if isUniqueViolation(err) {
		return &generic.ConflictError{Resource: "rate", ID: r.ID, Reason: "rate already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to add rate: %w", err)
	}
	return nil
}

func (q *queries) ListRates(ctx context.Context) ([]commission.Rate, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, percent::text, effective_from, created_by, created_at
		FROM rates ORDER BY effective_from ASC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rates: %w", err)
	}
	defer rows.Close()

	var out []commission.Rate
	for rows.Next() {
		var (
			r       commission.Rate
			percent string
		)
		if err := rows.Scan(&r.ID, &percent, &r.EffectiveFrom, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rate: %w", err)
		}
		if r.Percent, err = decimal.NewFromString(percent); err != nil {
			return nil, err
		}
		r.EffectiveFrom = generic.Day(r.EffectiveFrom)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *queries) PutSaleKind(ctx context.Context, k commission.SaleKind) error {
	fields, err := json.Marshal(k.RequiredFields)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO sale_kinds (key, name, commissionable, required_fields)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			name = EXCLUDED.name,
			commissionable = EXCLUDED.commissionable,
			required_fields = EXCLUDED.required_fields`,
		string(k.Key), k.Name, k.Commissionable, fields)
	if err != nil {
		return fmt.Errorf("failed to save sale kind: %w", err)
	}
	return nil
}

func (q *queries) GetSaleKind(ctx context.Context, key commission.SaleKindKey) (commission.SaleKind, error) {
	k, err := scanSaleKind(q.db.QueryRow(ctx,
		`SELECT key, name, commissionable, required_fields FROM sale_kinds WHERE key = $1`, string(key)))
	if errors.Is(err, pgx.ErrNoRows) {
		return commission.SaleKind{}, &generic.NotFoundError{Resource: "sale_kind", ID: string(key)}
	}
	return k, err
}

func (q *queries) ListSaleKinds(ctx context.Context) ([]commission.SaleKind, error) {
	rows, err := q.db.Query(ctx,
		`SELECT key, name, commissionable, required_fields FROM sale_kinds ORDER BY key ASC`)
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

func scanSaleKind(row pgx.Row) (commission.SaleKind, error) {
	var (
		k      commission.SaleKind
		key    string
		fields []byte
	)
	if err := row.Scan(&key, &k.Name, &k.Commissionable, &fields); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return k, err
		}
		return k, fmt.Errorf("failed to scan sale kind: %w", err)
	}
	k.Key = commission.SaleKindKey(key)
	if err := json.Unmarshal(fields, &k.RequiredFields); err != nil {
		return k, fmt.Errorf("bad required fields on sale kind %s: %w", key, err)
	}
	return k, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mapError turns serialization failures into generic.ErrConcurrentModification.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", generic.ErrConcurrentModification, pgErr.Message)
	}
	return err
}
