/*
handlers_test.go - HTTP tests for the commission API

Tests for:
- Token verification and administrator routes
- Sale lifecycle through the REST surface
- Error to status mapping
- Salesperson read scoping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/store/sqlite"
)

var testAdmin = commission.Actor{ID: "admin", IsAdmin: true}

type testServer struct {
	t       *testing.T
	handler *Handler
	auth    *Auth
	router  http.Handler
}

// newTestServer builds the full router on an in-memory SQLite store with
// January and February 2025 open and a 1% rate.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(store, logger)
	auth := NewAuth("test-secret")

	ctx := context.Background()
	for _, m := range []time.Month{time.January, time.February} {
		_, err := h.Settings.CreatePeriod(ctx, generic.MonthlyPeriod(2025, m), testAdmin)
		require.NoError(t, err)
	}
	_, err = h.Settings.AddRate(ctx, commission.Rate{Percent: decimal.NewFromInt(1), EffectiveFrom: generic.NewDay(2024, time.January, 1)}, testAdmin)
	require.NoError(t, err)

	return &testServer{
		t:       t,
		handler: h,
		auth:    auth,
		router:  NewRouter(h, auth, RouterOptions{Logger: logger, EnableScenarios: true}),
	}
}

func (s *testServer) token(id string, admin bool) string {
	s.t.Helper()
	tok, err := s.auth.IssueToken(commission.Actor{ID: id, IsAdmin: admin}, time.Hour)
	require.NoError(s.t, err)
	return tok
}

func (s *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func saleRequest(id, sp string, list, activity int64, day string) CreateSaleRequest {
	return CreateSaleRequest{
		SaleID:         id,
		ContractNumber: "C-" + id,
		CustomerName:   "Customer " + id,
		Kind:           "Sale",
		Prices: PricesDTO{
			ListPrice:     decimal.NewFromInt(list),
			ActivityPrice: decimal.NewFromInt(activity),
		},
		SalespersonID: sp,
		SaleDate:      day,
	}
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestAuth_TokenRequired(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "liveness needs no token")

	rec = s.do(http.MethodGet, "/api/earnings", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodGet, "/api/earnings", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other := NewAuth("another-secret")
	forged, err := other.IssueToken(testAdmin, time.Hour)
	require.NoError(t, err)
	rec = s.do(http.MethodGet, "/api/earnings", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodGet, "/api/earnings", s.token("sp-1", false), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_IssueTokenNeedsActor(t *testing.T) {
	_, err := NewAuth("secret").IssueToken(commission.Actor{}, time.Hour)
	assert.Error(t, err)
}

func TestAdminRoutes_ForbiddenForSalespeople(t *testing.T) {
	s := newTestServer(t)
	agent := s.token("sp-1", false)

	paths := []string{
		"/api/admin/rates",
		"/api/admin/periods",
		"/api/admin/deductions/carry-forward",
		"/api/admin/deductions/cleanup",
		"/api/scenarios/load",
	}
	for _, path := range paths {
		rec := s.do(http.MethodPost, path, agent, map[string]string{})
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}

	rec := s.do(http.MethodGet, "/api/admin/audit", agent, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// =============================================================================
// SALE LIFECYCLE
// =============================================================================

func TestSaleLifecycle_PaidCancellationApproved(t *testing.T) {
	// GIVEN: A 900 commission sale that was paid
	// WHEN: It is cancelled and an administrator approves the deduction
	// THEN: The earnings view shows the approved deduction against net unpaid

	s := newTestServer(t)
	agent := s.token("sp-1", false)
	admin := s.token("admin", true)

	rec := s.do(http.MethodPost, "/api/sales", agent, saleRequest("s1", "sp-1", 100000, 90000, "2025-01-10"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[EventResultDTO](t, rec)
	assert.Equal(t, "sale", created.Sale.Kind)
	assert.Equal(t, "2025-01", created.Sale.PeriodID)
	assert.Equal(t, "900.00", created.Sale.Commission)
	require.Len(t, created.Transactions, 1)
	assert.Equal(t, "earn", created.Transactions[0].Kind)
	assert.Equal(t, "900.00", created.Transactions[0].Amount)

	rec = s.do(http.MethodPost, "/api/admin/sales/s1/paid", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "paid", decode[SaleDTO](t, rec).PrimStatus)

	at := time.Date(2025, time.January, 20, 12, 0, 0, 0, time.UTC)
	rec = s.do(http.MethodPost, "/api/sales/s1/cancel", agent, CancelSaleRequest{Reason: "customer withdrew", At: &at})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decode[EventResultDTO](t, rec)
	assert.Equal(t, "cancelled", cancelled.Sale.Status)
	require.Len(t, cancelled.Transactions, 1)
	ded := cancelled.Transactions[0]
	assert.Equal(t, "deduction", ded.Kind)
	assert.Equal(t, "-900.00", ded.Amount)
	assert.Equal(t, "pending", ded.DeductionState)

	rec = s.do(http.MethodGet, "/api/deductions?state=pending", agent, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]TransactionDTO](t, rec), 1)

	rec = s.do(http.MethodPost, "/api/admin/deductions/"+ded.ID+"/approve", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decode[TransactionDTO](t, rec)
	assert.Equal(t, "approved", approved.DeductionState)
	assert.Equal(t, "admin", approved.ResolvedBy)

	rec = s.do(http.MethodGet, "/api/earnings?period=2025-01", agent, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]EarningsDTO](t, rec)
	require.Len(t, views, 1)
	assert.Equal(t, "900.00", views[0].PaidAmount)
	assert.Equal(t, "900.00", views[0].ApprovedDeductionsTotal)
	assert.Equal(t, "-900.00", views[0].NetUnpaid)
	assert.Equal(t, "0.00", views[0].PendingDeductionsTotal)
}

func TestSaleLifecycle_ModifyAndTransfer(t *testing.T) {
	s := newTestServer(t)
	agent := s.token("sp-1", false)
	admin := s.token("admin", true)

	rec := s.do(http.MethodPost, "/api/sales", agent, saleRequest("s1", "sp-1", 100000, 90000, "2025-01-10"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/sales/s1/modify", agent, ModifySaleRequest{
		Prices: PricesDTO{ListPrice: decimal.NewFromInt(100000), ActivityPrice: decimal.NewFromInt(80000)},
		Reason: "activity price corrected",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	modified := decode[EventResultDTO](t, rec)
	assert.Equal(t, "800.00", modified.Sale.Commission)
	require.Len(t, modified.Sale.History, 1)
	assert.Equal(t, "-100.00", modified.Sale.History[0].CommissionDelta)
	require.Len(t, modified.Transactions, 1)
	assert.Equal(t, "-100.00", modified.Transactions[0].Amount)
	assert.Equal(t, modified.Transactions[0].ID, modified.Sale.History[0].LinkedTransactionID)

	rec = s.do(http.MethodPost, "/api/sales/s1/transfer", admin, TransferSaleRequest{From: "sp-1", To: "sp-2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	moved := decode[EventResultDTO](t, rec)
	assert.Equal(t, "sp-2", moved.Sale.SalespersonID)
	require.Len(t, moved.Transactions, 2)

	rec = s.do(http.MethodGet, "/api/earnings?period=2025-01", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]EarningsDTO](t, rec)
	require.Len(t, views, 2)
	byPerson := map[string]EarningsDTO{}
	for _, v := range views {
		byPerson[v.SalespersonID] = v
	}
	assert.Equal(t, "0.00", byPerson["sp-1"].UnpaidAmount)
	assert.Equal(t, "800.00", byPerson["sp-2"].UnpaidAmount)

	rec = s.do(http.MethodGet, "/api/transactions?sale=s1&page_size=2", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[TransactionPageDTO](t, rec)
	assert.Equal(t, 4, page.Total)
	assert.Len(t, page.Items, 2)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	agent := s.token("sp-1", false)
	admin := s.token("admin", true)

	rec := s.do(http.MethodPost, "/api/sales", agent, saleRequest("s1", "sp-1", 100000, 90000, "2025-01-10"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		code   string
	}{
		{"unknown sale", http.MethodGet, "/api/sales/missing", admin, nil, http.StatusNotFound, "not_found"},
		{"missing salesperson", http.MethodPost, "/api/sales", agent, saleRequest("s2", "", 1000, 0, "2025-01-11"), http.StatusBadRequest, "validation_error"},
		{"bad sale date", http.MethodPost, "/api/sales", agent, saleRequest("s2", "sp-1", 1000, 0, "11/01/2025"), http.StatusBadRequest, ""},
		{"duplicate sale", http.MethodPost, "/api/sales", agent, saleRequest("s1", "sp-1", 1000, 0, "2025-01-11"), http.StatusConflict, "conflict"},
		{"modify without reason", http.MethodPost, "/api/sales/s1/modify", agent, ModifySaleRequest{}, http.StatusBadRequest, "validation_error"},
		{"restore active sale", http.MethodPost, "/api/sales/s1/restore", agent, nil, http.StatusConflict, "conflict"},
		{"approve unknown deduction", http.MethodPost, "/api/admin/deductions/nope/approve", admin, nil, http.StatusNotFound, "not_found"},
		{"bad page", http.MethodGet, "/api/transactions?page=two", admin, nil, http.StatusBadRequest, "validation_error"},
		{"bad deduction state", http.MethodGet, "/api/deductions?state=open", admin, nil, http.StatusBadRequest, "validation_error"},
		{"carry forward without period", http.MethodPost, "/api/admin/deductions/carry-forward", admin, CarryForwardRequest{}, http.StatusBadRequest, "validation_error"},
		{"bad month", http.MethodPost, "/api/admin/periods", admin, CreatePeriodRequest{Year: 2025, Month: 13}, http.StatusBadRequest, "validation_error"},
		{"existing period", http.MethodPost, "/api/admin/periods", admin, CreatePeriodRequest{Year: 2025, Month: 1}, http.StatusConflict, "conflict"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.code != "" {
				assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
			}
		})
	}
}

func TestErrorMapping_RateUnavailable(t *testing.T) {
	s := newTestServer(t)
	req := saleRequest("old", "sp-1", 1000, 0, "2023-06-01")
	req.PeriodID = "2025-01"

	rec := s.do(http.MethodPost, "/api/sales", s.token("sp-1", false), req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, "rate_unavailable", decode[ErrorResponse](t, rec).Code)
}

func TestErrorMapping_DoubleApproval(t *testing.T) {
	s := newTestServer(t)
	agent := s.token("sp-1", false)
	admin := s.token("admin", true)

	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/sales", agent, saleRequest("s1", "sp-1", 100000, 90000, "2025-01-10")).Code)
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/admin/sales/s1/paid", admin, nil).Code)
	rec := s.do(http.MethodPost, "/api/sales/s1/cancel", agent, CancelSaleRequest{Reason: "withdrawn"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ded := decode[EventResultDTO](t, rec).Transactions[0]

	rec = s.do(http.MethodPost, "/api/admin/deductions/"+ded.ID+"/cancel", admin, CancelDeductionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "cancel needs a reason")

	rec = s.do(http.MethodPost, "/api/admin/deductions/"+ded.ID+"/approve", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(http.MethodPost, "/api/admin/deductions/"+ded.ID+"/approve", admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestErrorMapping_LostVersionRaceIsRetryable(t *testing.T) {
	// GIVEN: A conflict caused by a failed version check and a plain conflict
	// WHEN: Both are mapped to HTTP responses
	// THEN: Both are 409 but only the lost race carries Retry-After

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	req := httptest.NewRequest(http.MethodPost, "/api/admin/deductions/d1/approve", nil)

	raced := &generic.ConflictError{Resource: "deduction", ID: "d1", Reason: "stale version", Cause: generic.ErrConcurrentModification}
	rec := httptest.NewRecorder()
	handleError(rec, req, logger, raced)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "conflict", decode[ErrorResponse](t, rec).Code)

	rec = httptest.NewRecorder()
	handleError(rec, req, logger, &generic.ConflictError{Resource: "deduction", ID: "d1", Reason: "already approved"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	handleError(rec, req, logger, generic.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// SCOPING
// =============================================================================

func TestSalespersonScoping(t *testing.T) {
	s := newTestServer(t)
	sp1 := s.token("sp-1", false)
	sp2 := s.token("sp-2", false)
	admin := s.token("admin", true)

	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/sales", sp1, saleRequest("s1", "sp-1", 100000, 0, "2025-01-10")).Code)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/sales", sp2, saleRequest("s2", "sp-2", 50000, 0, "2025-01-11")).Code)

	rec := s.do(http.MethodGet, "/api/earnings", sp2, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]EarningsDTO](t, rec)
	require.Len(t, views, 1)
	assert.Equal(t, "sp-2", views[0].SalespersonID)
	assert.Equal(t, "500.00", views[0].UnpaidAmount)

	rec = s.do(http.MethodGet, "/api/earnings?salesperson=sp-1", sp2, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodGet, "/api/sales/s1", sp2, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodGet, "/api/sales", sp1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]SaleDTO](t, rec), 1)

	rec = s.do(http.MethodGet, "/api/earnings?salesperson=sp-1", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views = decode[[]EarningsDTO](t, rec)
	require.Len(t, views, 1)
	assert.Equal(t, "1000.00", views[0].UnpaidAmount)

	rec = s.do(http.MethodGet, "/api/earnings", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]EarningsDTO](t, rec), 2)
}

// =============================================================================
// SETTINGS
// =============================================================================

func TestSettingsRoutes(t *testing.T) {
	s := newTestServer(t)
	admin := s.token("admin", true)
	agent := s.token("sp-1", false)

	rec := s.do(http.MethodPost, "/api/admin/periods", admin, CreatePeriodRequest{Year: 2025, Month: 3})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "2025-03-31", decode[PeriodDTO](t, rec).End)

	rec = s.do(http.MethodPost, "/api/admin/periods/2025-03/archive", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, decode[PeriodDTO](t, rec).ArchivedAt)

	rec = s.do(http.MethodGet, "/api/periods", agent, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]PeriodDTO](t, rec), 3)

	rec = s.do(http.MethodPost, "/api/admin/rates", admin, AddRateRequest{Percent: decimal.RequireFromString("1.5"), EffectiveFrom: "2025-02-01"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "1.5", decode[RateDTO](t, rec).Percent)

	rec = s.do(http.MethodPost, "/api/sales", agent, saleRequest("s1", "sp-1", 100000, 0, "2025-02-03"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "1500.00", decode[EventResultDTO](t, rec).Sale.Commission)

	kinds := `[{"key": "renewal", "name": "Renewal"}, {"key": "service", "name": "Service", "commissionable": false}]`
	req := httptest.NewRequest(http.MethodPost, "/api/admin/sale-kinds", bytes.NewBufferString(kinds))
	req.Header.Set("Authorization", "Bearer "+admin)
	out := httptest.NewRecorder()
	s.router.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code, out.Body.String())
	assert.Len(t, decode[[]SaleKindDTO](t, out), 2)

	rec = s.do(http.MethodPost, "/api/admin/sale-kinds", admin, map[string]string{"key": "deposit", "name": "Deposit"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/sale-kinds", agent, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[[]SaleKindDTO](t, rec)
	require.Len(t, listed, 4)
	assert.True(t, listed[0].Fixed)
	assert.False(t, listed[3].Fixed)

	rec = s.do(http.MethodGet, "/api/admin/audit?action=period_created,rate_added", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AuditEntryDTO](t, rec), 5, "two setup periods, March, two rates")
}
