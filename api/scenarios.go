/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that drive the engine through realistic
  sale lifecycles so the read models have something to show.

AVAILABLE SCENARIOS:
  price-reduction:     900 commission, activity price cut, -100 earn delta
  paid-cancellation:   Paid 900 sale cancelled, pending -900 deduction
  carry-forward:       Pending deduction surfaced in the next period
  transfer:            Sale handed over between salespeople
  custom-kinds:        Administrator kinds from JSON plus a deposit

HOW SCENARIOS WORK:
  1. Ensure the January and February 2025 periods exist
  2. Drive events through a LedgerWriter pinned to a 1% rate
  3. Return the ids that were produced

  The ledger is append-only, so scenarios never reset anything; every load
  uses fresh sale ids.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "paid-cancellation"}

SEE ALSO:
  - handlers.go: Handler services
  - factory/sale_kind.go: DefaultSaleKindsJSON
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "price-reduction",
		Name:        "Price Reduction",
		Description: "Activity price 90000 cut to 80000 at 1%: commission 900 to 800, one -100 earn",
	},
	{
		ID:          "paid-cancellation",
		Name:        "Paid Sale Cancelled",
		Description: "Paid 900 commission cancelled: pending -900 deduction awaiting approval",
	},
	{
		ID:          "carry-forward",
		Name:        "Carry-Forward",
		Description: "January pending deduction re-surfaced in February",
	},
	{
		ID:          "transfer",
		Name:        "Sale Transfer",
		Description: "Sale moved between salespeople with a zero-sum transfer pair",
	},
	{
		ID:          "custom-kinds",
		Name:        "Custom Sale Kinds",
		Description: "Renewal and service kinds loaded from JSON, plus a non-commissionable deposit",
	},
}

// ScenarioResult lists what a scenario produced.
type ScenarioResult struct {
	ScenarioID   string   `json:"scenario_id"`
	Sales        []string `json:"sales"`
	Transactions []string `json:"transactions"`
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario runs a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.RunScenario(r.Context(), req.ScenarioID, h.actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RunScenario executes the named scenario as actor.
func (h *Handler) RunScenario(ctx context.Context, id string, actor commission.Actor) (ScenarioResult, error) {
	loaders := map[string]func(context.Context, *scenarioRun) error{
		"price-reduction":   loadPriceReductionScenario,
		"paid-cancellation": loadPaidCancellationScenario,
		"carry-forward":     loadCarryForwardScenario,
		"transfer":          loadTransferScenario,
		"custom-kinds":      loadCustomKindsScenario,
	}
	load, ok := loaders[id]
	if !ok {
		return ScenarioResult{}, generic.Invalid("scenario_id", "unknown scenario %q", id)
	}

	run, err := h.newScenarioRun(ctx, id, actor)
	if err != nil {
		return ScenarioResult{}, err
	}
	if err := load(ctx, run); err != nil {
		return ScenarioResult{}, fmt.Errorf("scenario %s: %w", id, err)
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.Logger.InfoContext(ctx, "scenario loaded", "scenario_id", id, "sales", len(run.result.Sales))
	return run.result, nil
}

// =============================================================================
// SCENARIO PLUMBING
// =============================================================================

type scenarioRun struct {
	h        *Handler
	actor    commission.Actor
	writer   *commission.LedgerWriter
	prefix   string
	january  generic.Period
	february generic.Period
	result   ScenarioResult
}

func (h *Handler) newScenarioRun(ctx context.Context, id string, actor commission.Actor) (*scenarioRun, error) {
	jan, err := h.Settings.EnsureMonthlyPeriod(ctx, generic.NewDay(2025, time.January, 15), actor)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare January period: %w", err)
	}
	feb, err := h.Settings.EnsureMonthlyPeriod(ctx, generic.NewDay(2025, time.February, 15), actor)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare February period: %w", err)
	}

	writer := *h.Writer
	writer.Rates = commission.FixedRate(decimal.NewFromInt(1))

	return &scenarioRun{
		h:        h,
		actor:    actor,
		writer:   &writer,
		prefix:   fmt.Sprintf("%s-%s", id, uuid.NewString()[:8]),
		january:  jan,
		february: feb,
		result:   ScenarioResult{ScenarioID: id},
	}, nil
}

func (s *scenarioRun) record(res commission.EventResult) {
	for _, tx := range res.Transactions {
		s.result.Transactions = append(s.result.Transactions, string(tx.ID))
	}
}

func (s *scenarioRun) createSale(ctx context.Context, n int, sp string, kind commission.SaleKindKey, prices commission.PriceSnapshot, day time.Time) (commission.Sale, error) {
	res, err := s.writer.OnCreate(ctx, commission.SaleCreated{
		SaleID:         generic.SaleID(fmt.Sprintf("%s-%d", s.prefix, n)),
		ContractNumber: fmt.Sprintf("C-%s-%d", s.prefix, n),
		CustomerName:   "Demo Customer",
		Kind:           kind,
		Prices:         prices,
		SalespersonID:  generic.SalespersonID(sp),
		SaleDate:       day,
		Actor:          s.actor,
	})
	if err != nil {
		return commission.Sale{}, err
	}
	s.result.Sales = append(s.result.Sales, string(res.Sale.ID))
	s.record(res)
	return res.Sale, nil
}

func demoPrices(list, activity int64) commission.PriceSnapshot {
	return commission.PriceSnapshot{
		ListPrice:     generic.NewAmountFromInt(list),
		ActivityPrice: generic.NewAmountFromInt(activity),
	}
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadPriceReductionScenario(ctx context.Context, s *scenarioRun) error {
	sale, err := s.createSale(ctx, 1, "agent-ayse", commission.KindSale, demoPrices(100000, 90000), generic.NewDay(2025, time.January, 10))
	if err != nil {
		return err
	}
	res, err := s.writer.OnModify(ctx, commission.SaleModified{
		SaleID: sale.ID,
		Prices: demoPrices(100000, 80000),
		Reason: "activity price corrected",
		Actor:  s.actor,
	})
	if err != nil {
		return err
	}
	s.record(res)
	return nil
}

func loadPaidCancellationScenario(ctx context.Context, s *scenarioRun) error {
	sale, err := s.createSale(ctx, 1, "agent-mehmet", commission.KindSale, demoPrices(100000, 90000), generic.NewDay(2025, time.January, 12))
	if err != nil {
		return err
	}
	if _, err := s.writer.MarkPaid(ctx, sale.ID, s.actor); err != nil {
		return err
	}
	res, err := s.writer.OnCancel(ctx, commission.SaleCancelled{
		SaleID: sale.ID,
		Reason: "customer withdrew",
		At:     generic.NewDay(2025, time.January, 20),
		Actor:  s.actor,
	})
	if err != nil {
		return err
	}
	s.record(res)
	return nil
}

func loadCarryForwardScenario(ctx context.Context, s *scenarioRun) error {
	if err := loadPaidCancellationScenario(ctx, s); err != nil {
		return err
	}
	carried, err := s.h.Deductions.CarryForward(ctx, s.february.ID, s.actor)
	if err != nil {
		return err
	}
	for _, tx := range carried.Written {
		s.result.Transactions = append(s.result.Transactions, string(tx.ID))
	}
	return nil
}

func loadTransferScenario(ctx context.Context, s *scenarioRun) error {
	sale, err := s.createSale(ctx, 1, "agent-ayse", commission.KindSale, demoPrices(250000, 0), generic.NewDay(2025, time.February, 3))
	if err != nil {
		return err
	}
	res, err := s.writer.OnTransfer(ctx, commission.SaleTransferred{
		SaleID: sale.ID,
		From:   "agent-ayse",
		To:     "agent-mehmet",
		Actor:  s.actor,
	})
	if err != nil {
		return err
	}
	s.record(res)
	return nil
}

func loadCustomKindsScenario(ctx context.Context, s *scenarioRun) error {
	kinds, err := s.h.SaleKinds.ParseSaleKinds(factory.DefaultSaleKindsJSON)
	if err != nil {
		return err
	}
	for _, k := range kinds {
		if _, err := s.h.Settings.PutSaleKind(ctx, k, s.actor); err != nil {
			return err
		}
	}
	if _, err := s.createSale(ctx, 1, "agent-zeynep", "renewal", demoPrices(60000, 0), generic.NewDay(2025, time.February, 7)); err != nil {
		return err
	}
	_, err = s.createSale(ctx, 2, "agent-zeynep", commission.KindDeposit, demoPrices(5000, 0), generic.NewDay(2025, time.February, 8))
	return err
}
