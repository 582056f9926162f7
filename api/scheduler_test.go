package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestScheduler_RunNowCarriesForward(t *testing.T) {
	// GIVEN: A pending January deduction
	// WHEN: Maintenance runs on 10 February, twice
	// THEN: One marker is written into February, the second run writes nothing

	ctx := context.Background()
	s := newTestServer(t)
	_, err := s.handler.RunScenario(ctx, "paid-cancellation", testAdmin)
	require.NoError(t, err)

	ms := NewMaintenanceScheduler(s.handler)
	ms.Now = fixedClock(time.Date(2025, time.February, 10, 3, 0, 0, 0, time.UTC))

	first := ms.RunNow(ctx)
	require.NoError(t, first.Err)
	assert.Equal(t, "2025-02", first.PeriodID)
	assert.Equal(t, 1, first.CarriedOver)
	assert.Zero(t, first.Cleaned)

	second := ms.RunNow(ctx)
	require.NoError(t, second.Err)
	assert.Zero(t, second.CarriedOver)

	last, ok := ms.LastRun()
	require.True(t, ok)
	assert.Equal(t, second.StartedAt, last.StartedAt)

	feb := generic.PeriodID("2025-02")
	views, err := s.handler.Earnings.Aggregate(ctx, commission.EarningsFilter{PeriodID: &feb})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, 1, views[0].CarryForwardMarkers)
	assert.Equal(t, "900.00", views[0].CarriedForwardDeductionsTotal.String())
}

func TestScheduler_RunNowCreatesCurrentPeriod(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)

	ms := NewMaintenanceScheduler(s.handler)
	ms.Now = fixedClock(time.Date(2025, time.April, 2, 0, 0, 0, 0, time.UTC))

	run := ms.RunNow(ctx)
	require.NoError(t, run.Err)
	assert.Equal(t, "2025-04", run.PeriodID)

	p, err := s.handler.Store.GetPeriod(ctx, "2025-04")
	require.NoError(t, err)
	assert.False(t, p.Archived())
}

func TestScheduler_StartStop(t *testing.T) {
	s := newTestServer(t)

	ms := NewMaintenanceScheduler(s.handler)
	ms.CheckInterval = time.Hour
	ms.Now = fixedClock(time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC))
	ms.Start()
	ms.Start()

	require.Eventually(t, func() bool {
		_, ok := ms.LastRun()
		return ok
	}, 2*time.Second, 10*time.Millisecond, "start runs one pass immediately")

	ms.Stop()
	ms.Stop()

	disabled := NewMaintenanceScheduler(s.handler)
	disabled.Enabled = false
	disabled.Start()
	_, ok := disabled.LastRun()
	assert.False(t, ok)
	disabled.Stop()
}
