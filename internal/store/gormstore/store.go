package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/store"
)

type tokenRow struct {
	TokenID              string `gorm:"primaryKey"`
	TokenNumber          string `gorm:"uniqueIndex:idx_tokens_number;not null"`
	CustomerID           string `gorm:"index;not null"`
	ServiceType          string `gorm:"uniqueIndex:idx_tokens_number;index:idx_tokens_queue;not null"`
	Priority             int    `gorm:"not null;default:0"`
	Status               string `gorm:"index:idx_tokens_queue;not null"`
	CounterNumber        *int
	EstimatedWaitSeconds int
	Notes                string
	ServedBy             string
	CancelReason         string
	GeneratedAt          time.Time `gorm:"index;not null"`
	CalledAt             *time.Time
	CompletedAt          *time.Time
	CancelledAt          *time.Time
	Version              int64 `gorm:"not null"`
}

func (tokenRow) TableName() string { return "tokens" }

type counterRow struct {
	CounterNumber  int    `gorm:"primaryKey;autoIncrement:false"`
	ServiceTypes   string `gorm:"not null"`
	State          string `gorm:"not null"`
	CurrentTokenID string
	ChangedAt      time.Time `gorm:"column:updated_at"`
	Version        int64     `gorm:"not null"`
}

func (counterRow) TableName() string { return "counters" }

type sequenceRow struct {
	ServiceType string `gorm:"primaryKey"`
	ServiceDay  string `gorm:"primaryKey"`
	NextNumber  int    `gorm:"not null"`
}

func (sequenceRow) TableName() string { return "token_sequences" }

type pushSubscriptionRow struct {
	Endpoint   string `gorm:"primaryKey"`
	CustomerID string `gorm:"index;not null"`
	P256DH     string `gorm:"column:p256dh"`
	Auth       string
	CreatedAt  time.Time
}

func (pushSubscriptionRow) TableName() string { return "push_subscriptions" }

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// OpenSQLite opens (creating if needed) a single-file database and migrates it.
func OpenSQLite(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	st := NewStore(db)
	if err := st.Migrate(); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&tokenRow{}, &counterRow{}, &sequenceRow{}, &pushSubscriptionRow{}); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}
	return nil
}

func (s *Store) Apply(ctx context.Context, t store.Transition) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if t.Token != nil {
			if err := writeToken(tx, *t.Token); err != nil {
				return err
			}
		}
		if t.Counter != nil {
			if err := writeCounter(tx, *t.Counter); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeToken(tx *gorm.DB, token models.Token) error {
	row := toTokenRow(token)
	if token.Version == 1 {
		return insertOnce(tx, &tokenRow{}, "token_id = ?", row.TokenID, &row)
	}
	res := tx.Model(&tokenRow{}).
		Where("token_id = ? AND version = ?", row.TokenID, row.Version-1).
		Updates(map[string]interface{}{
			"status":                 row.Status,
			"priority":               row.Priority,
			"counter_number":         row.CounterNumber,
			"estimated_wait_seconds": row.EstimatedWaitSeconds,
			"notes":                  row.Notes,
			"served_by":              row.ServedBy,
			"cancel_reason":          row.CancelReason,
			"called_at":              row.CalledAt,
			"completed_at":           row.CompletedAt,
			"cancelled_at":           row.CancelledAt,
			"version":                row.Version,
		})
	return checkUpdate(res)
}

func writeCounter(tx *gorm.DB, counter models.Counter) error {
	row := toCounterRow(counter)
	if counter.Version == 1 {
		return insertOnce(tx, &counterRow{}, "counter_number = ?", row.CounterNumber, &row)
	}
	res := tx.Model(&counterRow{}).
		Where("counter_number = ? AND version = ?", row.CounterNumber, row.Version-1).
		Updates(map[string]interface{}{
			"service_types":    row.ServiceTypes,
			"state":            row.State,
			"current_token_id": row.CurrentTokenID,
			"updated_at":       row.ChangedAt,
			"version":          row.Version,
		})
	return checkUpdate(res)
}

func insertOnce(tx *gorm.DB, model interface{}, cond string, key interface{}, row interface{}) error {
	var existing int64
	if err := tx.Model(model).Where(cond, key).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return store.ErrVersionConflict
	}
	return tx.Create(row).Error
}

func checkUpdate(res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrVersionConflict
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	var row tokenRow
	err := s.db.WithContext(ctx).Where("token_id = ?", tokenID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Token{}, store.ErrTokenNotFound
	}
	if err != nil {
		return models.Token{}, err
	}
	return row.toModel(), nil
}

func (s *Store) ListTokens(ctx context.Context, filter store.TokenFilter) ([]models.Token, error) {
	query := applyFilter(s.db.WithContext(ctx).Model(&tokenRow{}), filter)
	if filter.Newest {
		query = query.Order("generated_at DESC").Order("token_id ASC")
	} else {
		query = query.Order("generated_at ASC").Order("token_id ASC")
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var rows []tokenRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	var tokens []models.Token
	for _, row := range rows {
		tokens = append(tokens, row.toModel())
	}
	return tokens, nil
}

func (s *Store) CountTokens(ctx context.Context, filter store.TokenFilter) (int, error) {
	var count int64
	if err := applyFilter(s.db.WithContext(ctx).Model(&tokenRow{}), filter).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *Store) NextTokenNumber(ctx context.Context, serviceType, day string) (int, error) {
	var next int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := sequenceRow{ServiceType: serviceType, ServiceDay: day, NextNumber: 1}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "service_type"}, {Name: "service_day"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"next_number": gorm.Expr("next_number + 1")}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		var current sequenceRow
		if err := tx.Where("service_type = ? AND service_day = ?", serviceType, day).First(&current).Error; err != nil {
			return err
		}
		next = current.NextNumber
		return nil
	})
	return next, err
}

func (s *Store) GetCounter(ctx context.Context, counterNumber int) (models.Counter, error) {
	var row counterRow
	err := s.db.WithContext(ctx).Where("counter_number = ?", counterNumber).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Counter{}, store.ErrCounterNotFound
	}
	if err != nil {
		return models.Counter{}, err
	}
	return row.toModel(), nil
}

func (s *Store) ListCounters(ctx context.Context) ([]models.Counter, error) {
	var rows []counterRow
	if err := s.db.WithContext(ctx).Order("counter_number").Find(&rows).Error; err != nil {
		return nil, err
	}
	counters := make([]models.Counter, 0, len(rows))
	for _, row := range rows {
		counters = append(counters, row.toModel())
	}
	return counters, nil
}

func (s *Store) SavePushSubscription(ctx context.Context, sub models.PushSubscription) error {
	row := pushSubscriptionRow{
		Endpoint:   sub.Endpoint,
		CustomerID: sub.CustomerID,
		P256DH:     sub.P256DH,
		Auth:       sub.Auth,
		CreatedAt:  sub.CreatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"customer_id", "p256dh", "auth"}),
	}).Create(&row).Error
}

func (s *Store) ListPushSubscriptions(ctx context.Context, customerID string) ([]models.PushSubscription, error) {
	var rows []pushSubscriptionRow
	if err := s.db.WithContext(ctx).Where("customer_id = ?", customerID).Order("endpoint").Find(&rows).Error; err != nil {
		return nil, err
	}
	var subs []models.PushSubscription
	for _, row := range rows {
		subs = append(subs, models.PushSubscription{
			Endpoint:   row.Endpoint,
			CustomerID: row.CustomerID,
			P256DH:     row.P256DH,
			Auth:       row.Auth,
			CreatedAt:  row.CreatedAt,
		})
	}
	return subs, nil
}

func (s *Store) DeletePushSubscription(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Where("endpoint = ?", endpoint).Delete(&pushSubscriptionRow{}).Error
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func applyFilter(query *gorm.DB, filter store.TokenFilter) *gorm.DB {
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if len(filter.ServiceTypes) > 0 {
		query = query.Where("service_type IN ?", filter.ServiceTypes)
	}
	if filter.CustomerID != "" {
		query = query.Where("customer_id = ?", filter.CustomerID)
	}
	if !filter.From.IsZero() {
		query = query.Where("generated_at >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query = query.Where("generated_at < ?", filter.To.UTC())
	}
	return query
}

func toTokenRow(token models.Token) tokenRow {
	return tokenRow{
		TokenID:              token.TokenID,
		TokenNumber:          token.TokenNumber,
		CustomerID:           token.CustomerID,
		ServiceType:          token.ServiceType,
		Priority:             int(token.Priority),
		Status:               token.Status,
		CounterNumber:        token.CounterNumber,
		EstimatedWaitSeconds: token.EstimatedWaitSeconds,
		Notes:                token.Notes,
		ServedBy:             token.ServedBy,
		CancelReason:         token.CancelReason,
		GeneratedAt:          token.GeneratedAt.UTC(),
		CalledAt:             token.CalledAt,
		CompletedAt:          token.CompletedAt,
		CancelledAt:          token.CancelledAt,
		Version:              token.Version,
	}
}

func (r tokenRow) toModel() models.Token {
	return models.Token{
		TokenID:              r.TokenID,
		TokenNumber:          r.TokenNumber,
		CustomerID:           r.CustomerID,
		ServiceType:          r.ServiceType,
		Priority:             models.Priority(r.Priority),
		Status:               r.Status,
		CounterNumber:        r.CounterNumber,
		EstimatedWaitSeconds: r.EstimatedWaitSeconds,
		Notes:                r.Notes,
		ServedBy:             r.ServedBy,
		CancelReason:         r.CancelReason,
		GeneratedAt:          r.GeneratedAt.UTC(),
		CalledAt:             r.CalledAt,
		CompletedAt:          r.CompletedAt,
		CancelledAt:          r.CancelledAt,
		Version:              r.Version,
	}
}

func toCounterRow(counter models.Counter) counterRow {
	return counterRow{
		CounterNumber:  counter.CounterNumber,
		ServiceTypes:   strings.Join(counter.ServiceTypes, ","),
		State:          counter.State,
		CurrentTokenID: counter.CurrentTokenID,
		ChangedAt:      counter.UpdatedAt,
		Version:        counter.Version,
	}
}

func (r counterRow) toModel() models.Counter {
	var serviceTypes []string
	if r.ServiceTypes != "" {
		serviceTypes = strings.Split(r.ServiceTypes, ",")
	}
	return models.Counter{
		CounterNumber:  r.CounterNumber,
		ServiceTypes:   serviceTypes,
		State:          r.State,
		CurrentTokenID: r.CurrentTokenID,
		UpdatedAt:      r.ChangedAt,
		Version:        r.Version,
	}
}
