// Package memory provides an in-memory commission.TxStore for tests and
// demos.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

var errReadOnly = errors.New("memory store: write inside a read-only view")

// Store guards a state with a RWMutex. WithTx works on a copy of the state
// and swaps it in on success, so a failed unit leaves nothing behind.
type Store struct {
	mu sync.RWMutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

var _ commission.TxStore = (*Store)(nil)

func (s *Store) WithTx(ctx context.Context, fn func(commission.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(work); err != nil {
		return err
	}
	// A cancelled caller must not commit half of its intent.
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) View(_ context.Context, fn func(commission.Store) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ro := *s.st
	ro.readOnly = true
	return fn(&ro)
}

func (s *Store) Close() error { return nil }

func (s *Store) write(ctx context.Context, fn func(commission.Store) error) error {
	return s.WithTx(ctx, fn)
}

func (s *Store) read(fn func(*state) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.st)
}

// =============================================================================
// LOCKED DELEGATES - Single-call units of work
// =============================================================================

func (s *Store) Append(ctx context.Context, tx generic.Transaction) error {
	return s.write(ctx, func(st commission.Store) error { return st.Append(ctx, tx) })
}

func (s *Store) AppendBatch(ctx context.Context, txs []generic.Transaction) error {
	return s.write(ctx, func(st commission.Store) error { return st.AppendBatch(ctx, txs) })
}

func (s *Store) Get(ctx context.Context, id generic.TransactionID) (out generic.Transaction, err error) {
	err = s.read(func(st *state) error { out, err = st.Get(ctx, id); return err })
	return out, err
}

func (s *Store) List(ctx context.Context, f generic.TransactionFilter) (out []generic.Transaction, err error) {
	err = s.read(func(st *state) error { out, err = st.List(ctx, f); return err })
	return out, err
}

func (s *Store) Count(ctx context.Context, f generic.TransactionFilter) (out int, err error) {
	err = s.read(func(st *state) error { out, err = st.Count(ctx, f); return err })
	return out, err
}

func (s *Store) Exists(ctx context.Context, key string) (out bool, err error) {
	err = s.read(func(st *state) error { out, err = st.Exists(ctx, key); return err })
	return out, err
}

func (s *Store) UpdateDeductionState(ctx context.Context, id generic.TransactionID, expected int, change generic.StateChange) (out generic.Transaction, err error) {
	err = s.write(ctx, func(st commission.Store) error {
		out, err = st.UpdateDeductionState(ctx, id, expected, change)
		return err
	})
	return out, err
}

func (s *Store) UpdatePeriod(ctx context.Context, id generic.TransactionID, expected int, period generic.PeriodID) (out generic.Transaction, err error) {
	err = s.write(ctx, func(st commission.Store) error {
		out, err = st.UpdatePeriod(ctx, id, expected, period)
		return err
	})
	return out, err
}

func (s *Store) CreatePeriod(ctx context.Context, p generic.Period) error {
	return s.write(ctx, func(st commission.Store) error { return st.CreatePeriod(ctx, p) })
}

func (s *Store) GetPeriod(ctx context.Context, id generic.PeriodID) (out generic.Period, err error) {
	err = s.read(func(st *state) error { out, err = st.GetPeriod(ctx, id); return err })
	return out, err
}

func (s *Store) ListPeriods(ctx context.Context) (out []generic.Period, err error) {
	err = s.read(func(st *state) error { out, err = st.ListPeriods(ctx); return err })
	return out, err
}

func (s *Store) ArchivePeriod(ctx context.Context, id generic.PeriodID, at time.Time) error {
	return s.write(ctx, func(st commission.Store) error { return st.ArchivePeriod(ctx, id, at) })
}

func (s *Store) AppendAudit(ctx context.Context, e generic.AuditEntry) error {
	return s.write(ctx, func(st commission.Store) error { return st.AppendAudit(ctx, e) })
}

func (s *Store) QueryAudit(ctx context.Context, f generic.AuditFilter) (out []generic.AuditEntry, err error) {
	err = s.read(func(st *state) error { out, err = st.QueryAudit(ctx, f); return err })
	return out, err
}

func (s *Store) CreateSale(ctx context.Context, sale commission.Sale) error {
	return s.write(ctx, func(st commission.Store) error { return st.CreateSale(ctx, sale) })
}

func (s *Store) GetSale(ctx context.Context, id generic.SaleID) (out commission.Sale, err error) {
	err = s.read(func(st *state) error { out, err = st.GetSale(ctx, id); return err })
	return out, err
}

func (s *Store) ListSales(ctx context.Context, f commission.SaleFilter) (out []commission.Sale, err error) {
	err = s.read(func(st *state) error { out, err = st.ListSales(ctx, f); return err })
	return out, err
}

func (s *Store) UpdateSale(ctx context.Context, sale commission.Sale, expected int) (out commission.Sale, err error) {
	err = s.write(ctx, func(st commission.Store) error {
		out, err = st.UpdateSale(ctx, sale, expected)
		return err
	})
	return out, err
}

func (s *Store) AppendModification(ctx context.Context, id generic.SaleID, m commission.Modification) error {
	return s.write(ctx, func(st commission.Store) error { return st.AppendModification(ctx, id, m) })
}

func (s *Store) AddRate(ctx context.Context, r commission.Rate) error {
	return s.write(ctx, func(st commission.Store) error { return st.AddRate(ctx, r) })
}

func (s *Store) ListRates(ctx context.Context) (out []commission.Rate, err error) {
	err = s.read(func(st *state) error { out, err = st.ListRates(ctx); return err })
	return out, err
}

func (s *Store) PutSaleKind(ctx context.Context, k commission.SaleKind) error {
	return s.write(ctx, func(st commission.Store) error { return st.PutSaleKind(ctx, k) })
}

func (s *Store) GetSaleKind(ctx context.Context, key commission.SaleKindKey) (out commission.SaleKind, err error) {
	err = s.read(func(st *state) error { out, err = st.GetSaleKind(ctx, key); return err })
	return out, err
}

func (s *Store) ListSaleKinds(ctx context.Context) (out []commission.SaleKind, err error) {
	err = s.read(func(st *state) error { out, err = st.ListSaleKinds(ctx); return err })
	return out, err
}

// =============================================================================
// STATE - Unlocked data, handed to units of work
// =============================================================================

type state struct {
	readOnly bool

	txs  []generic.Transaction
	byID map[generic.TransactionID]int
	keys map[string]bool

	periods map[generic.PeriodID]generic.Period

	sales     map[generic.SaleID]commission.Sale
	saleOrder []generic.SaleID

	rates []commission.Rate
	kinds map[commission.SaleKindKey]commission.SaleKind
	audit []generic.AuditEntry
}

func newState() *state {
	return &state{
		byID:    make(map[generic.TransactionID]int),
		keys:    make(map[string]bool),
		periods: make(map[generic.PeriodID]generic.Period),
		sales:   make(map[generic.SaleID]commission.Sale),
		kinds:   make(map[commission.SaleKindKey]commission.SaleKind),
	}
}

func (st *state) clone() *state {
	c := &state{
		txs:       append([]generic.Transaction(nil), st.txs...),
		byID:      make(map[generic.TransactionID]int, len(st.byID)),
		keys:      make(map[string]bool, len(st.keys)),
		periods:   make(map[generic.PeriodID]generic.Period, len(st.periods)),
		sales:     make(map[generic.SaleID]commission.Sale, len(st.sales)),
		saleOrder: append([]generic.SaleID(nil), st.saleOrder...),
		rates:     append([]commission.Rate(nil), st.rates...),
		kinds:     make(map[commission.SaleKindKey]commission.SaleKind, len(st.kinds)),
		audit:     append([]generic.AuditEntry(nil), st.audit...),
	}
	for k, v := range st.byID {
		c.byID[k] = v
	}
	for k, v := range st.keys {
		c.keys[k] = v
	}
	for k, v := range st.periods {
		c.periods[k] = v
	}
	for k, v := range st.sales {
		c.sales[k] = v
	}
	for k, v := range st.kinds {
		c.kinds[k] = v
	}
	return c
}

func (st *state) checkWritable() error {
	if st.readOnly {
		return errReadOnly
	}
	return nil
}

// --- ledger ---

func (st *state) Append(_ context.Context, tx generic.Transaction) error {
	if err := st.checkWritable(); err != nil {
		return err
	}
	return st.appendRow(tx)
}

func (st *state) AppendBatch(_ context.Context, txs []generic.Transaction) error {
	if err := st.checkWritable(); err != nil {
		return err
	}
	// Check all keys first (atomic check)
	seen := make(map[string]bool, len(txs))
	for _, tx := range txs {
		if tx.IdempotencyKey == "" {
			continue
		}
		if st.keys[tx.IdempotencyKey] || seen[tx.IdempotencyKey] {
			return generic.ErrDuplicateIdempotencyKey
		}
		seen[tx.IdempotencyKey] = true
	}
	for _, tx := range txs {
		if err := st.appendRow(tx); err != nil {
			return err
		}
	}
	return nil
}

func (st *state) appendRow(tx generic.Transaction) error {
	if tx.IdempotencyKey != "" && st.keys[tx.IdempotencyKey] {
		return generic.ErrDuplicateIdempotencyKey
	}
	if _, ok := st.byID[tx.ID]; ok {
		return &generic.ConflictError{Resource: "transaction", ID: string(tx.ID), Reason: "id already exists"}
	}
	st.byID[tx.ID] = len(st.txs)
	st.txs = append(st.txs, tx)
	if tx.IdempotencyKey != "" {
		st.keys[tx.IdempotencyKey] = true
	}
	return nil
}

func (st *state) Get(_ context.Context, id generic.TransactionID) (generic.Transaction, error) {
	i, ok := st.byID[id]
	if !ok {
		return generic.Transaction{}, &generic.NotFoundError{Resource: "transaction", ID: string(id)}
	}
	return st.txs[i], nil
}

func (st *state) List(_ context.Context, f generic.TransactionFilter) ([]generic.Transaction, error) {
	var out []generic.Transaction
	skipped := 0
	for _, tx := range st.txs {
		if !f.Match(tx) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, tx)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (st *state) Count(_ context.Context, f generic.TransactionFilter) (int, error) {
	n := 0
	for _, tx := range st.txs {
		if f.Match(tx) {
			n++
		}
	}
	return n, nil
}

func (st *state) Exists(_ context.Context, key string) (bool, error) {
	return st.keys[key], nil
}

func (st *state) versioned(id generic.TransactionID, expected int) (int, error) {
	if err := st.checkWritable(); err != nil {
		return 0, err
	}
	i, ok := st.byID[id]
	if !ok {
		return 0, &generic.NotFoundError{Resource: "transaction", ID: string(id)}
	}
	if st.txs[i].Version != expected {
		return 0, generic.ErrConcurrentModification
	}
	return i, nil
}

func (st *state) UpdateDeductionState(_ context.Context, id generic.TransactionID, expected int, change generic.StateChange) (generic.Transaction, error) {
	i, err := st.versioned(id, expected)
	if err != nil {
		return generic.Transaction{}, err
	}
	tx := st.txs[i]
	at := change.At
	tx.DeductionState = change.State
	tx.ResolvedBy = change.Actor
	tx.ResolvedAt = &at
	tx.ResolutionNote = change.Note
	tx.Version++
	st.txs[i] = tx
	return tx, nil
}

func (st *state) UpdatePeriod(_ context.Context, id generic.TransactionID, expected int, period generic.PeriodID) (generic.Transaction, error) {
	i, err := st.versioned(id, expected)
	if err != nil {
		return generic.Transaction{}, err
	}
	tx := st.txs[i]
	tx.PeriodID = period
	tx.Version++
	st.txs[i] = tx
	return tx, nil
}

// --- periods ---

func (st *state) CreatePeriod(_ context.Context, p generic.Period) error {
	if err := st.checkWritable(); err != nil {
		return err
	}
	if _, ok := st.periods[p.ID]; ok {
		return &generic.ConflictError{Resource: "period", ID: string(p.ID), Reason: "period already exists"}
	}
	st.periods[p.ID] = p
	return nil
}

func (st *state) GetPeriod(_ context.Context, id generic.PeriodID) (generic.Period, error) {
	p, ok := st.periods[id]
	if !ok {
		return generic.Period{}, &generic.NotFoundError{Resource: "period", ID: string(id)}
	}
	return p, nil
}

func (st *state) ListPeriods(context.Context) ([]generic.Period, error) {
	out := make([]generic.Period, 0, len(st.periods))
	for _, p := range st.periods {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (st *state) ArchivePeriod(_ context.Context, id generic.PeriodID, at time.Time) error {
	if err := st.checkWritable(); err != nil {
		return err
	}
	p, ok := st.periods[id]
	if !ok {
		return &generic.NotFoundError{Resource: "period", ID: string(id)}
	}
	p.ArchivedAt = &at
	st.periods[id] = p
	return nil
}

// --- audit ---

func (st *state) AppendAudit(_ context.Context, e generic.AuditEntry) error {
	if err := st.checkWritable(); err != nil {
		return err
	}
	st.audit = append(st.audit, e)
	return nil
}

func (st *state) QueryAudit(_ context.Context, f generic.AuditFilter) ([]generic.AuditEntry, error) {
	var out []generic.AuditEntry
	for _, e := range st.audit {
		if !f.Match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// --- sales ---

func (st *state) CreateSale(_ context.Context, s commission.Sale) error {
	if err := st.checkWritable(); err != nil {
		return err
	}
	if _, ok := st.sales[s.ID]; ok {
		return &generic.ConflictError{Resource: "sale", ID: string(s.ID), Reason: "sale already exists"}
	}
	s.History = nil
	st.sales[s.ID] = s
	st.saleOrder = append(st.saleOrder, s.ID)
	return nil
}

func (st *state) GetSale(_ context.Context, id generic.SaleID) (commission.Sale, error) {
	s, ok := st.sales[id]
	if !ok {
		return commission.Sale{}, &generic.NotFoundError{Resource: "sale", ID: string(id)}
	}
	s.History = append([]commission.Modification(nil), s.History...)
	return s, nil
}

func (st *state) ListSales(ctx context.Context, f commission.SaleFilter) ([]commission.Sale, error) {
	var out []commission.Sale
	for _, id := range st.saleOrder {
		s := st.sales[id]
		if f.Match(s) {
			s.History = append([]commission.Modification(nil), s.History...)
			out = append(out, s)
		}
	}
	return out, nil
}

func (st *state) UpdateSale(_ context.Context, s commission.Sale, expected int) (commission.Sale, error) {
	if err := st.checkWritable(); err != nil {
		return commission.Sale{}, err
	}
	cur, ok := st.sales[s.ID]
	if !ok {
		return commission.Sale{}, &generic.NotFoundError{Resource: "sale", ID: string(s.ID)}
	}
	if cur.Version != expected {
		return commission.Sale{}, generic.ErrConcurrentModification
	}
	s.History = cur.History
	s.CreatedAt = cur.CreatedAt
	s.Version = expected + 1
	st.sales[s.ID] = s
	s.History = append([]commission.Modification(nil), cur.History...)
	return s, nil
}

func (st *state) AppendModification(_ context.Context, id generic.SaleID, m commission.Modification) error {
	if err := st.checkWritable(); err != nil {
		return err
	}
	s, ok := st.sales[id]
	if !ok {
		return &generic.NotFoundError{Resource: "sale", ID: string(id)}
	}
	h := make([]commission.Modification, len(s.History), len(s.History)+1)
	copy(h, s.History)
	s.History = append(h, m)
	st.sales[id] = s
	return nil
}

// --- rates and kinds ---

func (st *state) AddRate(_ context.Context, r commission.Rate) error {
	if err := st.checkWritable(); err != nil {
		return err
	}
	st.rates = append(st.rates, r)
	sort.SliceStable(st.rates, func(i, j int) bool { return st.rates[i].EffectiveFrom.Before(st.rates[j].EffectiveFrom) })
	return nil
}

func (st *state) ListRates(context.Context) ([]commission.Rate, error) {
	return append([]commission.Rate(nil), st.rates...), nil
}

func (st *state) PutSaleKind(_ context.Context, k commission.SaleKind) error {
	if err := st.checkWritable(); err != nil {
		return err
	}
	k.RequiredFields = append([]commission.SaleField(nil), k.RequiredFields...)
	st.kinds[k.Key] = k
	return nil
}

func (st *state) GetSaleKind(_ context.Context, key commission.SaleKindKey) (commission.SaleKind, error) {
	k, ok := st.kinds[key]
	if !ok {
		return commission.SaleKind{}, &generic.NotFoundError{Resource: "sale_kind", ID: string(key)}
	}
	return k, nil
}

func (st *state) ListSaleKinds(context.Context) ([]commission.SaleKind, error) {
	out := make([]commission.SaleKind, 0, len(st.kinds))
	for _, k := range st.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
