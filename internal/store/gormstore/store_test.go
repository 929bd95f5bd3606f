package gormstore

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"qms/branch-queue/internal/config"
	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/queue"
	"qms/branch-queue/internal/store"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// newMockDB opens the postgres dialect over sqlmock.
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

func waitingToken(number string, at time.Time) models.Token {
	return models.Token{
		TokenID:     uuid.NewString(),
		TokenNumber: number,
		CustomerID:  "cust-1",
		ServiceType: "withdrawal",
		Priority:    models.PriorityVIP,
		Status:      models.StatusWaiting,
		GeneratedAt: at,
		Version:     1,
	}
}

func TestApplyRespectsVersions(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()

	token := waitingToken("WD-20240314-001", time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC))
	require.NoError(t, st.Apply(ctx, store.Transition{Token: &token}))
	assert.ErrorIs(t, st.Apply(ctx, store.Transition{Token: &token}), store.ErrVersionConflict)

	counter := models.Counter{CounterNumber: 2, ServiceTypes: []string{"withdrawal", "cash_deposit"}, State: models.CounterFree, Version: 1}
	require.NoError(t, st.Apply(ctx, store.Transition{Counter: &counter}))

	number := 2
	calledAt := token.GeneratedAt.Add(time.Minute)
	called := token
	called.Status = models.StatusCalled
	called.CounterNumber = &number
	called.CalledAt = &calledAt
	called.Version = 2
	busy := counter
	busy.State = models.CounterBusy
	busy.CurrentTokenID = token.TokenID
	busy.Version = 2
	require.NoError(t, st.Apply(ctx, store.Transition{Token: &called, Counter: &busy}))

	stale := counter
	stale.Version = 2
	staleToken := token
	staleToken.Status = models.StatusCancelled
	staleToken.Version = 2
	assert.ErrorIs(t, st.Apply(ctx, store.Transition{Token: &staleToken, Counter: &stale}), store.ErrVersionConflict)

	got, err := st.GetToken(ctx, token.TokenID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCalled, got.Status)
	assert.Equal(t, models.PriorityVIP, got.Priority)
	require.NotNil(t, got.CounterNumber)
	assert.Equal(t, 2, *got.CounterNumber)
	assert.Equal(t, int64(2), got.Version)

	gotCounter, err := st.GetCounter(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"withdrawal", "cash_deposit"}, gotCounter.ServiceTypes)
	assert.Equal(t, token.TokenID, gotCounter.CurrentTokenID)

	_, err = st.GetToken(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrTokenNotFound)
	_, err = st.GetCounter(ctx, 9)
	assert.ErrorIs(t, err, store.ErrCounterNotFound)
}

func TestListAndCountTokens(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC)

	var ids []string
	for i, number := range []string{"WD-20240314-001", "WD-20240314-002", "WD-20240314-003"} {
		token := waitingToken(number, base.Add(time.Duration(i)*time.Minute))
		if i == 2 {
			token.ServiceType = "cash_deposit"
			token.CustomerID = "cust-2"
		}
		require.NoError(t, st.Apply(ctx, store.Transition{Token: &token}))
		ids = append(ids, token.TokenID)
	}

	withdrawals, err := st.ListTokens(ctx, store.TokenFilter{ServiceTypes: []string{"withdrawal"}, Statuses: []string{models.StatusWaiting}})
	require.NoError(t, err)
	require.Len(t, withdrawals, 2)
	assert.Equal(t, ids[0], withdrawals[0].TokenID)

	page, err := st.ListTokens(ctx, store.TokenFilter{Newest: true, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].TokenID)

	count, err := st.CountTokens(ctx, store.TokenFilter{From: base.Add(time.Minute), To: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = st.CountTokens(ctx, store.TokenFilter{CustomerID: "cust-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNextTokenNumber(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int]bool{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := st.NextTokenNumber(ctx, "withdrawal", "20240314")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 8)
	assert.True(t, seen[1])
	assert.True(t, seen[8])

	n, err := st.NextTokenNumber(ctx, "cash_deposit", "20240314")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPushSubscriptions(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()

	sub := models.PushSubscription{Endpoint: "https://push.example/a", CustomerID: "cust-1", P256DH: "k1", Auth: "a1", CreatedAt: time.Now().UTC()}
	require.NoError(t, st.SavePushSubscription(ctx, sub))
	sub.P256DH = "k2"
	require.NoError(t, st.SavePushSubscription(ctx, sub))

	subs, err := st.ListPushSubscriptions(ctx, "cust-1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "k2", subs[0].P256DH)

	require.NoError(t, st.DeletePushSubscription(ctx, sub.Endpoint))
	subs, err = st.ListPushSubscriptions(ctx, "cust-1")
	require.NoError(t, err)
	assert.Empty(t, subs)
	assert.NoError(t, st.Ping(ctx))
}

func TestTokenStoreOverSQLite(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()
	ts := queue.New(queue.Options{Repository: st, Catalog: config.DefaultCatalog(), Location: time.UTC})
	require.NoError(t, ts.SeedCounters(ctx))

	standard, err := ts.Create(ctx, queue.CreateInput{CustomerID: "cust-1", ServiceType: "withdrawal"})
	require.NoError(t, err)
	vip, err := ts.Create(ctx, queue.CreateInput{CustomerID: "cust-2", ServiceType: "withdrawal", Priority: "vip"})
	require.NoError(t, err)
	assert.NotEqual(t, standard.TokenNumber, vip.TokenNumber)

	called, ok, err := ts.CallNext(ctx, 1, "staff-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, vip.TokenID, called.TokenID)

	_, err = ts.Call(ctx, queue.CallInput{TokenID: vip.TokenID, CounterNumber: 2})
	assert.ErrorIs(t, err, store.ErrConflict)

	done, err := ts.Complete(ctx, vip.TokenID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)

	next, ok, err := ts.CallNext(ctx, 1, "staff-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, standard.TokenID, next.TokenID)
	_, err = ts.Cancel(ctx, queue.CancelInput{TokenID: standard.TokenID, Reason: models.CancelNoShow})
	require.NoError(t, err)
	noShow, err := st.GetToken(ctx, standard.TokenID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, noShow.Status)
	assert.Nil(t, noShow.CalledAt)
	assert.Nil(t, noShow.CounterNumber)
	assert.Equal(t, "staff-1", noShow.ServedBy)

	counters, err := ts.ListCounters(ctx)
	require.NoError(t, err)
	require.Len(t, counters, 3)
	assert.Equal(t, models.CounterFree, counters[0].State)
}

func TestPostgresDialectUpdateConflict(t *testing.T) {
	db, mock := newMockDB(t)
	st := NewStore(db)

	number := 1
	token := waitingToken("WD-20240314-001", time.Now().UTC())
	token.Status = models.StatusCalled
	token.CounterNumber = &number
	token.Version = 2

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "tokens" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := st.Apply(context.Background(), store.Transition{Token: &token})
	assert.ErrorIs(t, err, store.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDialectCounterLookup(t *testing.T) {
	db, mock := newMockDB(t)
	st := NewStore(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "counters" WHERE counter_number = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"counter_number", "service_types", "state", "current_token_id", "updated_at", "version"}).
			AddRow(3, "loan_application,meet_gm", models.CounterFree, "", time.Now(), 4))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "counters" WHERE counter_number = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"counter_number"}))

	counter, err := st.GetCounter(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"loan_application", "meet_gm"}, counter.ServiceTypes)
	assert.Equal(t, int64(4), counter.Version)

	_, err = st.GetCounter(context.Background(), 4)
	assert.ErrorIs(t, err, store.ErrCounterNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
