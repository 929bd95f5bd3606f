package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/store"
)

func TestStatisticsAndDashboard(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	served := f.create(t, "cust-1", "withdrawal", "")
	_, err := f.store.Call(ctx, CallInput{TokenID: served.TokenID, CounterNumber: 1})
	require.NoError(t, err)
	f.clock.Advance(119 * time.Second)
	_, err = f.store.Complete(ctx, served.TokenID)
	require.NoError(t, err)

	dropped := f.create(t, "cust-2", "withdrawal", "")
	_, err = f.store.Cancel(ctx, CancelInput{TokenID: dropped.TokenID, CustomerID: "cust-2"})
	require.NoError(t, err)

	f.create(t, "cust-3", "cash_deposit", "vip")
	inProgress := f.create(t, "cust-4", "general_query", "")
	_, err = f.store.Call(ctx, CallInput{TokenID: inProgress.TokenID, CounterNumber: 3})
	require.NoError(t, err)

	stats, err := f.store.Statistics(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, "2024-03-14", stats.Day)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, map[string]int{
		models.StatusCompleted: 1,
		models.StatusCancelled: 1,
		models.StatusWaiting:   1,
		models.StatusCalled:    1,
	}, stats.ByStatus)
	assert.Equal(t, ServiceStatistics{Total: 2, Completed: 1, Cancelled: 1, AverageServiceSeconds: 120}, stats.ByService["withdrawal"])

	yesterday, err := f.store.Statistics(ctx, f.clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, yesterday.Total)

	dash, err := f.store.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dash.Waiting)
	assert.Equal(t, 1, dash.InProgress)
	assert.Equal(t, 1, dash.CompletedToday)
	assert.Equal(t, 1, dash.CancelledToday)
	assert.Equal(t, 120, dash.AverageServiceSeconds)
	assert.Equal(t, map[string]int{"cash_deposit": 1}, dash.WaitingByService)
	assert.Len(t, dash.Counters, 3)
}

func TestCustomerHistoryPaging(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	services := []string{"withdrawal", "cash_deposit", "general_query", "loan_application", "meet_gm"}
	var created []models.Token
	for _, st := range services {
		created = append(created, f.create(t, "cust-1", st, ""))
	}
	f.create(t, "cust-2", "withdrawal", "")

	first, err := f.store.CustomerHistory(ctx, "cust-1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, first.Total)
	require.Len(t, first.Tokens, 2)
	assert.Equal(t, created[4].TokenID, first.Tokens[0].TokenID)
	assert.Equal(t, created[3].TokenID, first.Tokens[1].TokenID)

	last, err := f.store.CustomerHistory(ctx, "cust-1", 3, 2)
	require.NoError(t, err)
	require.Len(t, last.Tokens, 1)
	assert.Equal(t, created[0].TokenID, last.Tokens[0].TokenID)

	beyond, err := f.store.CustomerHistory(ctx, "cust-1", 9, 0)
	require.NoError(t, err)
	assert.Equal(t, defaultPerPage, beyond.PerPage)
	assert.NotNil(t, beyond.Tokens)
	assert.Empty(t, beyond.Tokens)

	_, err = f.store.CustomerHistory(ctx, "", 1, 10)
	assert.ErrorIs(t, err, store.ErrInvalidRequest)
}

func TestSweepStaleCancelsPreviousDays(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var stale []models.Token
	for i := 0; i < 3; i++ {
		stale = append(stale, f.create(t, fmt.Sprintf("cust-%d", i), "withdrawal", ""))
	}
	_, err := f.store.Call(ctx, CallInput{TokenID: stale[0].TokenID, CounterNumber: 1})
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	fresh := f.create(t, "cust-9", "withdrawal", "")

	swept, err := f.store.SweepStale(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, swept)

	for _, token := range stale {
		got, err := f.store.Get(ctx, token.TokenID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, got.Status)
		assert.Equal(t, models.CancelEndOfDay, got.CancelReason)
	}
	got, err := f.store.Get(ctx, fresh.TokenID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, got.Status)

	counter, err := f.repo.GetCounter(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.CounterFree, counter.State)

	again, err := f.store.SweepStale(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestStartSweeperRejectsBadSchedule(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.StartSweeper("not a schedule")
	assert.Error(t, err)

	c, err := f.store.StartSweeper("5 0 * * *")
	require.NoError(t, err)
	c.Stop()
}
