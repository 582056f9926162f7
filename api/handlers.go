/*
handlers.go - HTTP API handlers for the commission engine

PURPOSE:
  Exposes the commission engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the commission services.

ENDPOINTS:
  Sales:
    POST   /api/sales                   Create sale (initial earn)
    GET    /api/sales                   List sales
    GET    /api/sales/{id}              Get sale with price history
    POST   /api/sales/{id}/modify       Price change (earn delta or deduction)
    POST   /api/sales/{id}/cancel       Cancel (deduction when paid)
    POST   /api/sales/{id}/restore      Restore a cancelled sale
    POST   /api/sales/{id}/transfer     Move to another salesperson

  Read models:
    GET    /api/earnings                Earnings per salesperson and period
    GET    /api/transactions            Paged ledger rows
    GET    /api/deductions              Deduction rows
    GET    /api/periods, /api/rates, /api/sale-kinds

  Admin:
    POST   /api/admin/sales/{id}/paid
    POST   /api/admin/deductions/{id}/approve
    POST   /api/admin/deductions/{id}/cancel
    POST   /api/admin/deductions/cleanup
    POST   /api/admin/deductions/carry-forward
    POST   /api/admin/transactions/{id}/period
    POST   /api/admin/periods, /api/admin/periods/{id}/archive
    POST   /api/admin/rates, /api/admin/sale-kinds
    GET    /api/admin/audit

ARCHITECTURE:
  Handler holds the commission services, all built on one TxStore.
  Handlers never touch the store directly for writes.

ACCESS:
  Salespeople only read their own earnings, transactions and deductions.
  Administrators read everything.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      commission.TxStore
	Writer     *commission.LedgerWriter
	Deductions *commission.DeductionWorkflow
	Earnings   *commission.EarningsAggregator
	Reassigner *commission.PeriodReassigner
	Settings   *commission.Settings
	Audit      *commission.AuditTrail
	SaleKinds  *factory.SaleKindFactory
	Logger     *slog.Logger

	// DuplicateRule is used when a cleanup request names no rule.
	DuplicateRule commission.DuplicateRule

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(store commission.TxStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		Store:         store,
		Writer:        commission.NewLedgerWriter(store),
		Deductions:    commission.NewDeductionWorkflow(store),
		Earnings:      commission.NewEarningsAggregator(store),
		Reassigner:    commission.NewPeriodReassigner(store),
		Settings:      commission.NewSettings(store),
		Audit:         &commission.AuditTrail{Store: store},
		SaleKinds:     factory.NewSaleKindFactory(),
		Logger:        logger,
		DuplicateRule: commission.BySaleAndAmount,
	}
	h.Writer.Logger = logger
	h.Deductions.Logger = logger
	h.Reassigner.Logger = logger
	h.Settings.Logger = logger
	return h
}

func (h *Handler) actor(r *http.Request) commission.Actor {
	actor, _ := ActorFrom(r.Context())
	return actor
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	handleError(w, r, h.Logger, err)
}

// scopeSalesperson returns the salesperson filter a request may use:
// administrators pass through, salespeople are pinned to themselves.
func (h *Handler) scopeSalesperson(r *http.Request) (*generic.SalespersonID, error) {
	actor := h.actor(r)
	requested := queryParam(r, "salesperson")
	if actor.IsAdmin {
		if requested == nil {
			return nil, nil
		}
		sp := generic.SalespersonID(*requested)
		return &sp, nil
	}
	if requested != nil && *requested != actor.ID {
		return nil, &generic.AuthorizationError{Actor: actor.ID, Action: "read another salesperson's ledger"}
	}
	sp := generic.SalespersonID(actor.ID)
	return &sp, nil
}

// =============================================================================
// SALE HANDLERS
// =============================================================================

func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var req CreateSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	saleDate, err := generic.ParseDay(req.SaleDate)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.Writer.OnCreate(r.Context(), commission.SaleCreated{
		SaleID:         generic.SaleID(req.SaleID),
		ContractNumber: req.ContractNumber,
		CustomerName:   req.CustomerName,
		Kind:           commission.SaleKindKey(strings.ToLower(req.Kind)),
		Prices:         req.Prices.toSnapshot(),
		SalespersonID:  generic.SalespersonID(req.SalespersonID),
		PeriodID:       generic.PeriodID(req.PeriodID),
		SaleDate:       saleDate,
		Actor:          h.actor(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventResultDTO(res))
}

func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := h.Earnings.Sale(r.Context(), generic.SaleID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	actor := h.actor(r)
	if !actor.IsAdmin && string(sale.SalespersonID) != actor.ID {
		h.fail(w, r, &generic.AuthorizationError{Actor: actor.ID, Action: "read another salesperson's sale"})
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(sale))
}

func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	sp, err := h.scopeSalesperson(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter := commission.SaleFilter{SalespersonID: sp}
	if p := queryParam(r, "period"); p != nil {
		period := generic.PeriodID(*p)
		filter.PeriodID = &period
	}
	if s := queryParam(r, "status"); s != nil {
		status := commission.SaleStatus(*s)
		filter.Status = &status
	}

	sales, err := h.Earnings.Sales(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]SaleDTO, 0, len(sales))
	for _, s := range sales {
		out = append(out, toSaleDTO(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ModifySale(w http.ResponseWriter, r *http.Request) {
	var req ModifySaleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Writer.OnModify(r.Context(), commission.SaleModified{
		SaleID: generic.SaleID(chi.URLParam(r, "id")),
		Prices: req.Prices.toSnapshot(),
		Reason: req.Reason,
		Actor:  h.actor(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResultDTO(res))
}

func (h *Handler) CancelSale(w http.ResponseWriter, r *http.Request) {
	var req CancelSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ev := commission.SaleCancelled{
		SaleID: generic.SaleID(chi.URLParam(r, "id")),
		Reason: req.Reason,
		Actor:  h.actor(r),
	}
	if req.At != nil {
		ev.At = *req.At
	}
	res, err := h.Writer.OnCancel(r.Context(), ev)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResultDTO(res))
}

func (h *Handler) RestoreSale(w http.ResponseWriter, r *http.Request) {
	var req RestoreSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ev := commission.SaleRestored{
		SaleID: generic.SaleID(chi.URLParam(r, "id")),
		Actor:  h.actor(r),
	}
	if req.At != nil {
		ev.At = *req.At
	}
	res, err := h.Writer.OnRestore(r.Context(), ev)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResultDTO(res))
}

func (h *Handler) TransferSale(w http.ResponseWriter, r *http.Request) {
	var req TransferSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Writer.OnTransfer(r.Context(), commission.SaleTransferred{
		SaleID: generic.SaleID(chi.URLParam(r, "id")),
		From:   generic.SalespersonID(req.From),
		To:     generic.SalespersonID(req.To),
		Actor:  h.actor(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResultDTO(res))
}

// MarkSalePaid records the payment status change reported by the sales
// module.
func (h *Handler) MarkSalePaid(w http.ResponseWriter, r *http.Request) {
	sale, err := h.Writer.MarkPaid(r.Context(), generic.SaleID(chi.URLParam(r, "id")), h.actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(sale))
}

// =============================================================================
// READ MODELS
// =============================================================================

func (h *Handler) GetEarnings(w http.ResponseWriter, r *http.Request) {
	sp, err := h.scopeSalesperson(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter := commission.EarningsFilter{SalespersonID: sp}
	if p := queryParam(r, "period"); p != nil {
		period := generic.PeriodID(*p)
		filter.PeriodID = &period
	}

	views, err := h.Earnings.Aggregate(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]EarningsDTO, 0, len(views))
	for _, v := range views {
		out = append(out, toEarningsDTO(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	sp, err := h.scopeSalesperson(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := commission.TransactionQuery{SalespersonID: sp}
	if p := queryParam(r, "period"); p != nil {
		period := generic.PeriodID(*p)
		q.PeriodID = &period
	}
	if k := queryParam(r, "kind"); k != nil {
		kind := generic.TransactionKind(*k)
		q.Kind = &kind
	}
	if s := queryParam(r, "sale"); s != nil {
		sale := generic.SaleID(*s)
		q.SaleID = &sale
	}
	if q.Page, err = intParam(r, "page"); err != nil {
		h.fail(w, r, err)
		return
	}
	if q.PageSize, err = intParam(r, "page_size"); err != nil {
		h.fail(w, r, err)
		return
	}

	page, err := h.Earnings.Transactions(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionPageDTO{
		Items:    toTransactionDTOs(page.Items),
		Page:     page.Page,
		PageSize: page.PageSize,
		Total:    page.Total,
	})
}

func (h *Handler) ListDeductions(w http.ResponseWriter, r *http.Request) {
	sp, err := h.scopeSalesperson(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := commission.DeductionQuery{SalespersonID: sp, IncludeMarkers: r.URL.Query().Get("markers") == "true"}
	if p := queryParam(r, "period"); p != nil {
		period := generic.PeriodID(*p)
		q.PeriodID = &period
	}
	if s := queryParam(r, "state"); s != nil {
		state := generic.DeductionState(*s)
		switch state {
		case generic.DeductionPending, generic.DeductionApproved, generic.DeductionCancelled:
		default:
			h.fail(w, r, generic.Invalid("state", "unknown deduction state %q", *s))
			return
		}
		q.State = &state
	}

	txs, err := h.Earnings.Deductions(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// =============================================================================
// DEDUCTION WORKFLOW (admin)
// =============================================================================

func (h *Handler) ApproveDeduction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Deductions.Approve(r.Context(), generic.TransactionID(chi.URLParam(r, "id")), h.actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

func (h *Handler) CancelDeduction(w http.ResponseWriter, r *http.Request) {
	var req CancelDeductionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	tx, err := h.Deductions.Cancel(r.Context(), generic.TransactionID(chi.URLParam(r, "id")), h.actor(r), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

func (h *Handler) CleanupDuplicates(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	rule := h.DuplicateRule
	if req.Rule != "" {
		rule = commission.DuplicateRule(req.Rule)
	}
	res, err := h.Deductions.CleanupDuplicates(r.Context(), h.actor(r), rule)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCleanupResultDTO(res))
}

func (h *Handler) CarryForward(w http.ResponseWriter, r *http.Request) {
	var req CarryForwardRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.PeriodID == "" {
		h.fail(w, r, generic.Invalid("period_id", "target period is required"))
		return
	}
	res, err := h.Deductions.CarryForward(r.Context(), generic.PeriodID(req.PeriodID), h.actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CarryForwardResultDTO{
		PeriodID: string(res.PeriodID),
		Written:  toTransactionDTOs(res.Written),
		Existing: res.Existing,
	})
}

func (h *Handler) ReassignPeriod(w http.ResponseWriter, r *http.Request) {
	var req ReassignRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Reassigner.Reassign(r.Context(),
		generic.TransactionID(chi.URLParam(r, "id")), generic.PeriodID(req.PeriodID), h.actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReassignResultDTO{
		Transaction:  toTransactionDTO(res.Transaction),
		Changed:      res.Changed,
		FromPeriodID: string(res.FromPeriodID),
		ToPeriodID:   string(res.ToPeriodID),
	})
}

// =============================================================================
// SETTINGS
// =============================================================================

func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := h.Settings.Periods(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]PeriodDTO, 0, len(periods))
	for _, p := range periods {
		out = append(out, toPeriodDTO(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreatePeriod(w http.ResponseWriter, r *http.Request) {
	var req CreatePeriodRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	var p generic.Period
	if req.Year != 0 || req.Month != 0 {
		if req.Month < 1 || req.Month > 12 || req.Year < 1 {
			h.fail(w, r, generic.Invalid("month", "year and month 1-12 are required"))
			return
		}
		p = generic.MonthlyPeriod(req.Year, time.Month(req.Month))
	} else {
		start, err := generic.ParseDay(req.Start)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		end, err := generic.ParseDay(req.End)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		p = generic.Period{ID: generic.PeriodID(req.ID), Name: req.Name, Start: start, End: end}
	}

	created, err := h.Settings.CreatePeriod(r.Context(), p, h.actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPeriodDTO(created))
}

func (h *Handler) ArchivePeriod(w http.ResponseWriter, r *http.Request) {
	p, err := h.Settings.ArchivePeriod(r.Context(), generic.PeriodID(chi.URLParam(r, "id")), h.actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(p))
}

func (h *Handler) ListRates(w http.ResponseWriter, r *http.Request) {
	rates, err := h.Settings.Rates(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]RateDTO, 0, len(rates))
	for _, rate := range rates {
		out = append(out, toRateDTO(rate))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) AddRate(w http.ResponseWriter, r *http.Request) {
	var req AddRateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	from, err := generic.ParseDay(req.EffectiveFrom)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rate, err := h.Settings.AddRate(r.Context(), commission.Rate{Percent: req.Percent, EffectiveFrom: from}, h.actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRateDTO(rate))
}

func (h *Handler) ListSaleKinds(w http.ResponseWriter, r *http.Request) {
	kinds, err := h.Settings.SaleKinds(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]SaleKindDTO, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, SaleKindDTO{SaleKindJSON: h.SaleKinds.ToJSON(k), Fixed: commission.IsFixedKind(k.Key)})
	}
	writeJSON(w, http.StatusOK, out)
}

// PutSaleKinds accepts one sale kind definition or an array of them.
func (h *Handler) PutSaleKinds(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body", err)
		return
	}
	kinds, err := h.SaleKinds.ParseSaleKinds(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid sale kind definition", err)
		return
	}

	out := make([]SaleKindDTO, 0, len(kinds))
	for _, k := range kinds {
		saved, err := h.Settings.PutSaleKind(r.Context(), k, h.actor(r))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		out = append(out, SaleKindDTO{SaleKindJSON: h.SaleKinds.ToJSON(saved)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	var filter generic.AuditFilter
	filter.SubjectID = queryParam(r, "subject")
	filter.ActorID = queryParam(r, "actor")
	if a := queryParam(r, "action"); a != nil {
		for _, action := range strings.Split(*a, ",") {
			filter.Actions = append(filter.Actions, generic.AuditAction(strings.TrimSpace(action)))
		}
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter.Limit = limit

	entries, err := h.Audit.Query(r.Context(), h.actor(r), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryDTO{
			ID:        e.ID,
			Timestamp: e.Timestamp,
			ActorID:   e.ActorID,
			Action:    string(e.Action),
			SubjectID: e.SubjectID,
			Payload:   e.Payload,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// HELPERS
// =============================================================================

func queryParam(r *http.Request, name string) *string {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return nil
	}
	return &v
}

func intParam(r *http.Request, name string) (int, error) {
	v := queryParam(r, name)
	if v == nil {
		return 0, nil
	}
	n, err := strconv.Atoi(*v)
	if err != nil {
		return 0, generic.Invalid(name, "must be an integer, got %q", *v)
	}
	return n, nil
}
