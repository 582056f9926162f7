package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
)

func TestListScenarios(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/scenarios/", s.token("sp-1", false), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]ScenarioDTO](t, rec)
	assert.Len(t, list, len(scenarios))
}

func TestLoadScenario_EveryScenarioRuns(t *testing.T) {
	for _, sc := range scenarios {
		t.Run(sc.ID, func(t *testing.T) {
			s := newTestServer(t)
			admin := s.token("admin", true)

			rec := s.do(http.MethodPost, "/api/scenarios/load", admin, LoadScenarioRequest{ScenarioID: sc.ID})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			res := decode[ScenarioResult](t, rec)
			assert.Equal(t, sc.ID, res.ScenarioID)
			assert.NotEmpty(t, res.Sales)

			rec = s.do(http.MethodGet, "/api/scenarios/current", admin, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, sc.ID, decode[ScenarioDTO](t, rec).ID)
		})
	}
}

func TestLoadScenario_Unknown(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/scenarios/load", s.token("admin", true), LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/scenarios/current", s.token("admin", true), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null\n", rec.Body.String())
}

func TestScenario_PriceReduction(t *testing.T) {
	// GIVEN: The price-reduction scenario
	// WHEN: It is loaded
	// THEN: The sale carries 800 commission and the ledger holds 900 and -100

	ctx := context.Background()
	s := newTestServer(t)

	res, err := s.handler.RunScenario(ctx, "price-reduction", testAdmin)
	require.NoError(t, err)
	require.Len(t, res.Sales, 1)
	require.Len(t, res.Transactions, 2)

	sale, err := s.handler.Earnings.Sale(ctx, generic.SaleID(res.Sales[0]))
	require.NoError(t, err)
	assert.Equal(t, "800.00", sale.Commission.String())
	require.Len(t, sale.History, 1)

	delta, err := s.handler.Store.Get(ctx, generic.TransactionID(res.Transactions[1]))
	require.NoError(t, err)
	assert.Equal(t, "-100.00", delta.Amount.String())
	assert.Equal(t, generic.KindEarn, delta.Kind)
}

func TestScenario_CarryForward(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)

	res, err := s.handler.RunScenario(ctx, "carry-forward", testAdmin)
	require.NoError(t, err)
	require.Len(t, res.Transactions, 3, "earn, deduction, marker")

	marker, err := s.handler.Store.Get(ctx, generic.TransactionID(res.Transactions[2]))
	require.NoError(t, err)
	assert.True(t, marker.CarriedForward)
	assert.Equal(t, generic.PeriodID("2025-02"), marker.PeriodID)
	assert.Equal(t, generic.TransactionID(res.Transactions[1]), marker.CarriedFromID)

	// Loading again uses fresh sales and leaves the first run intact.
	_, err = s.handler.RunScenario(ctx, "carry-forward", testAdmin)
	require.NoError(t, err)
	sales, err := s.handler.Earnings.Sales(ctx, commission.SaleFilter{})
	require.NoError(t, err)
	assert.Len(t, sales, 2)
}
