package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const tokenColumns = `token_id::text, token_number, customer_id, service_type, priority, status, counter_number,
	estimated_wait_seconds, notes, served_by, cancel_reason, generated_at, called_at, completed_at, cancelled_at, version`

const counterColumns = `counter_number, service_types, state, COALESCE(current_token_id::text, ''), updated_at, version`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Apply writes the token and counter of a transition in one transaction.
func (s *Store) Apply(ctx context.Context, t store.Transition) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if t.Token != nil {
		if err = writeToken(ctx, tx, *t.Token); err != nil {
			return err
		}
	}
	if t.Counter != nil {
		if err = writeCounter(ctx, tx, *t.Counter); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func writeToken(ctx context.Context, tx pgx.Tx, token models.Token) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if token.Version == 1 {
		tag, err = tx.Exec(ctx, `
			INSERT INTO tokens (
				token_id, token_number, customer_id, service_type, priority, status, counter_number,
				estimated_wait_seconds, notes, served_by, cancel_reason, generated_at, called_at, completed_at,
				cancelled_at, version
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		`, token.TokenID, token.TokenNumber, token.CustomerID, token.ServiceType, int(token.Priority), token.Status,
			token.CounterNumber, token.EstimatedWaitSeconds, token.Notes, token.ServedBy, token.CancelReason,
			token.GeneratedAt, token.CalledAt, token.CompletedAt, token.CancelledAt, token.Version)
	} else {
		tag, err = tx.Exec(ctx, `
			UPDATE tokens SET
				status = $2, counter_number = $3, estimated_wait_seconds = $4, served_by = $5, cancel_reason = $6,
				called_at = $7, completed_at = $8, cancelled_at = $9, priority = $10, notes = $11, version = $12
			WHERE token_id = $1 AND version = $13
		`, token.TokenID, token.Status, token.CounterNumber, token.EstimatedWaitSeconds, token.ServedBy,
			token.CancelReason, token.CalledAt, token.CompletedAt, token.CancelledAt, int(token.Priority), token.Notes,
			token.Version, token.Version-1)
	}
	return checkWrite(tag, err)
}

func writeCounter(ctx context.Context, tx pgx.Tx, counter models.Counter) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	current := nullIfEmpty(counter.CurrentTokenID)
	if counter.Version == 1 {
		tag, err = tx.Exec(ctx, `
			INSERT INTO counters (counter_number, service_types, state, current_token_id, updated_at, version)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, counter.CounterNumber, counter.ServiceTypes, counter.State, current, counter.UpdatedAt, counter.Version)
	} else {
		tag, err = tx.Exec(ctx, `
			UPDATE counters SET service_types = $2, state = $3, current_token_id = $4, updated_at = $5, version = $6
			WHERE counter_number = $1 AND version = $7
		`, counter.CounterNumber, counter.ServiceTypes, counter.State, current, counter.UpdatedAt, counter.Version, counter.Version-1)
	}
	return checkWrite(tag, err)
}

func checkWrite(tag pgconn.CommandTag, err error) error {
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.ErrVersionConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrVersionConflict
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	if _, err := uuid.Parse(tokenID); err != nil {
		return models.Token{}, store.ErrTokenNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE token_id = $1`, tokenID)
	token, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Token{}, store.ErrTokenNotFound
	}
	return token, err
}

func (s *Store) ListTokens(ctx context.Context, filter store.TokenFilter) ([]models.Token, error) {
	where, args := tokenWhere(filter)
	query := `SELECT ` + tokenColumns + ` FROM tokens` + where
	if filter.Newest {
		query += " ORDER BY generated_at DESC, token_id ASC"
	} else {
		query += " ORDER BY generated_at ASC, token_id ASC"
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *Store) CountTokens(ctx context.Context, filter store.TokenFilter) (int, error) {
	where, args := tokenWhere(filter)
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tokens`+where, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) NextTokenNumber(ctx context.Context, serviceType, day string) (int, error) {
	var next int
	row := s.pool.QueryRow(ctx, `
		INSERT INTO token_sequences (service_type, service_day, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (service_type, service_day)
		DO UPDATE SET next_number = token_sequences.next_number + 1
		RETURNING next_number
	`, serviceType, day)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) GetCounter(ctx context.Context, counterNumber int) (models.Counter, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+counterColumns+` FROM counters WHERE counter_number = $1`, counterNumber)
	counter, err := scanCounter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return counter, err
}

func (s *Store) ListCounters(ctx context.Context) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+counterColumns+` FROM counters ORDER BY counter_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counters := []models.Counter{}
	for rows.Next() {
		counter, err := scanCounter(rows)
		if err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	return counters, rows.Err()
}

func (s *Store) SavePushSubscription(ctx context.Context, sub models.PushSubscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO push_subscriptions (endpoint, customer_id, p256dh, auth, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (endpoint)
		DO UPDATE SET customer_id = EXCLUDED.customer_id, p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth
	`, sub.Endpoint, sub.CustomerID, sub.P256DH, sub.Auth, sub.CreatedAt)
	return err
}

func (s *Store) ListPushSubscriptions(ctx context.Context, customerID string) ([]models.PushSubscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT endpoint, customer_id, p256dh, auth, created_at
		FROM push_subscriptions
		WHERE customer_id = $1
		ORDER BY endpoint
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.PushSubscription
	for rows.Next() {
		var sub models.PushSubscription
		if err := rows.Scan(&sub.Endpoint, &sub.CustomerID, &sub.P256DH, &sub.Auth, &sub.CreatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *Store) DeletePushSubscription(ctx context.Context, endpoint string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM push_subscriptions WHERE endpoint = $1`, endpoint)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func tokenWhere(filter store.TokenFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, value interface{}) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if len(filter.Statuses) > 0 {
		add("status = ANY($%d)", filter.Statuses)
	}
	if len(filter.ServiceTypes) > 0 {
		add("service_type = ANY($%d)", filter.ServiceTypes)
	}
	if filter.CustomerID != "" {
		add("customer_id = $%d", filter.CustomerID)
	}
	if !filter.From.IsZero() {
		add("generated_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("generated_at < $%d", filter.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanToken(row pgx.Row) (models.Token, error) {
	var token models.Token
	var priority int
	err := row.Scan(&token.TokenID, &token.TokenNumber, &token.CustomerID, &token.ServiceType, &priority, &token.Status,
		&token.CounterNumber, &token.EstimatedWaitSeconds, &token.Notes, &token.ServedBy, &token.CancelReason,
		&token.GeneratedAt, &token.CalledAt, &token.CompletedAt, &token.CancelledAt, &token.Version)
	if err != nil {
		return models.Token{}, err
	}
	token.Priority = models.Priority(priority)
	token.GeneratedAt = token.GeneratedAt.UTC()
	return token, nil
}

func scanCounter(row pgx.Row) (models.Counter, error) {
	var counter models.Counter
	err := row.Scan(&counter.CounterNumber, &counter.ServiceTypes, &counter.State, &counter.CurrentTokenID, &counter.UpdatedAt, &counter.Version)
	return counter, err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
