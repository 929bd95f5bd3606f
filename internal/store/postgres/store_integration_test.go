package postgres

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestApplyVersionGuard(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, ctx)

	token := models.Token{
		TokenID:     uuid.NewString(),
		TokenNumber: "WD-20240314-001",
		CustomerID:  "cust-1",
		ServiceType: "withdrawal",
		Priority:    models.PrioritySenior,
		Status:      models.StatusWaiting,
		GeneratedAt: time.Now().UTC().Truncate(time.Microsecond),
		Version:     1,
	}
	if err := st.Apply(ctx, store.Transition{Token: &token}); err != nil {
		t.Fatalf("insert token: %v", err)
	}
	if err := st.Apply(ctx, store.Transition{Token: &token}); err != store.ErrVersionConflict {
		t.Fatalf("expected version conflict on duplicate insert, got %v", err)
	}

	counter := models.Counter{CounterNumber: 1, ServiceTypes: []string{"withdrawal"}, State: models.CounterFree, UpdatedAt: time.Now().UTC(), Version: 1}
	if err := st.Apply(ctx, store.Transition{Counter: &counter}); err != nil {
		t.Fatalf("insert counter: %v", err)
	}

	called := token
	number := 1
	calledAt := time.Now().UTC()
	called.Status = models.StatusCalled
	called.CounterNumber = &number
	called.CalledAt = &calledAt
	called.Version = 2
	busy := counter
	busy.State = models.CounterBusy
	busy.CurrentTokenID = token.TokenID
	busy.Version = 2
	if err := st.Apply(ctx, store.Transition{Token: &called, Counter: &busy}); err != nil {
		t.Fatalf("call: %v", err)
	}

	stale := called
	stale.Status = models.StatusCancelled
	staleCounter := counter
	staleCounter.Version = 2
	if err := st.Apply(ctx, store.Transition{Token: &stale, Counter: &staleCounter}); err != store.ErrVersionConflict {
		t.Fatalf("expected version conflict, got %v", err)
	}

	got, err := st.GetToken(ctx, token.TokenID)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if got.Status != models.StatusCalled || got.Priority != models.PrioritySenior || got.Version != 2 {
		t.Fatalf("unexpected token %+v", got)
	}
	gotCounter, err := st.GetCounter(ctx, 1)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if gotCounter.CurrentTokenID != token.TokenID || gotCounter.State != models.CounterBusy {
		t.Fatalf("unexpected counter %+v", gotCounter)
	}

	if _, err := st.GetToken(ctx, "not-a-uuid"); err != store.ErrTokenNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := st.GetCounter(ctx, 99); err != store.ErrCounterNotFound {
		t.Fatalf("expected counter not found, got %v", err)
	}
}

func TestNextTokenNumberConcurrency(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, ctx)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int]bool{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := st.NextTokenNumber(ctx, "withdrawal", "20240314")
			if err != nil {
				t.Errorf("next number: %v", err)
				return
			}
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != 10 || !seen[1] || !seen[10] {
		t.Fatalf("expected numbers 1..10, got %v", seen)
	}

	n, err := st.NextTokenNumber(ctx, "withdrawal", "20240315")
	if err != nil || n != 1 {
		t.Fatalf("expected a fresh sequence per day, got %d (%v)", n, err)
	}
}

func TestListTokensFilter(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, ctx)

	base := time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC)
	for i, status := range []string{models.StatusWaiting, models.StatusWaiting, models.StatusCompleted} {
		token := models.Token{
			TokenID:     uuid.NewString(),
			TokenNumber: "WD-20240314-00" + string(rune('1'+i)),
			CustomerID:  "cust-1",
			ServiceType: "withdrawal",
			Status:      status,
			GeneratedAt: base.Add(time.Duration(i) * time.Minute),
			Version:     1,
		}
		if err := st.Apply(ctx, store.Transition{Token: &token}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	waiting, err := st.ListTokens(ctx, store.TokenFilter{Statuses: []string{models.StatusWaiting}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(waiting) != 2 || !waiting[0].GeneratedAt.Before(waiting[1].GeneratedAt) {
		t.Fatalf("unexpected waiting list %+v", waiting)
	}

	newest, err := st.ListTokens(ctx, store.TokenFilter{CustomerID: "cust-1", Newest: true, Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("list newest: %v", err)
	}
	if len(newest) != 1 || newest[0].TokenNumber != "WD-20240314-002" {
		t.Fatalf("unexpected page %+v", newest)
	}

	count, err := st.CountTokens(ctx, store.TokenFilter{From: base.Add(time.Minute), To: base.Add(2 * time.Minute)})
	if err != nil || count != 1 {
		t.Fatalf("expected 1 token in range, got %d (%v)", count, err)
	}
}

func setupTestStore(t *testing.T, ctx context.Context) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := execOnce(ctx, dsn, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	scoped, err := withSearchPath(dsn, schema)
	if err != nil {
		t.Fatalf("scope dsn: %v", err)
	}
	if err := RunMigrations(scoped, filepath.Join("..", "..", "..", "migrations"), nil); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	st := NewStore(pool)
	t.Cleanup(func() {
		_ = st.Close()
		_ = execOnce(context.Background(), dsn, "DROP SCHEMA "+schema+" CASCADE")
	})
	return st
}

func execOnce(ctx context.Context, dsn, sql string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, sql)
	return err
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
