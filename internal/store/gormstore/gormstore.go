package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/metering/internal/pool"
	"github.com/MarkoPoloResearchLab/metering/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	sqliteConstraintCode = 19
	sqliteBusyCode       = 5
	errorOperationStore  = "store"
	errorSubjectBalance  = "balance"
	errorSubjectOutcome  = "outcome"
	errorCodeGet         = "get"
	errorCodeSave        = "save"
	errorCodeInsert      = "insert"
	errorCodeDuplicate   = "duplicate"
	errorCodeBusy        = "busy"
	errorCodeInvalid     = "invalid"
	errorCodePrune       = "prune"
)

// Store implements credits.Store using GORM over the connection pool. Every
// WithTx closure runs on a single pooled handle inside one transaction.
type Store struct {
	pool *pool.Pool
	db   *gorm.DB
}

// New returns a Store backed by the pool.
func New(connectionPool *pool.Pool) *Store {
	return &Store{pool: connectionPool}
}

// Migrate creates the two tables the core owns.
func (store *Store) Migrate(ctx context.Context) error {
	return store.run(ctx, func(db *gorm.DB) error {
		return db.AutoMigrate(&SessionBalance{}, &IdempotencyRecord{})
	})
}

// WithTx executes fn within a transaction on one pooled handle.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	if store.db != nil {
		return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
			return fn(ctx, &Store{db: transaction})
		})
	}
	return store.pool.WithTransaction(ctx, func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetBalance(ctx context.Context, sessionID credits.SessionID) (credits.Balance, bool, error) {
	var model SessionBalance
	var found bool
	err := store.run(ctx, func(db *gorm.DB) error {
		err := db.Where("session_id = ?", sessionID.String()).Take(&model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return credits.Balance{}, false, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	if !found {
		return credits.Balance{}, false, nil
	}
	balance, err := credits.NewBalance(model.TotalCredits, model.UsedCredits)
	if err != nil {
		return credits.Balance{}, false, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, true, nil
}

func (store *Store) SaveBalance(ctx context.Context, sessionID credits.SessionID, balance credits.Balance) error {
	now := time.Now().UTC()
	model := SessionBalance{
		SessionID:    sessionID.String(),
		TotalCredits: balance.TotalCredits,
		UsedCredits:  balance.UsedCredits,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := store.run(ctx, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"total_credits", "used_credits", "updated_at"}),
		}).Create(&model).Error
	})
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, classify(err))
	}
	return nil
}

func (store *Store) GetOutcome(ctx context.Context, key credits.IdempotencyKey) (credits.MutationOutcome, bool, error) {
	var model IdempotencyRecord
	var found bool
	err := store.run(ctx, func(db *gorm.DB) error {
		err := db.Where("idempotency_key = ?", key.String()).Take(&model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return credits.MutationOutcome{}, false, wrapStoreError(errorSubjectOutcome, errorCodeGet, err)
	}
	if !found {
		return credits.MutationOutcome{}, false, nil
	}
	var snapshot outcomeSnapshot
	if err := json.Unmarshal(model.Outcome, &snapshot); err != nil {
		return credits.MutationOutcome{}, false, wrapStoreError(errorSubjectOutcome, errorCodeInvalid, err)
	}
	return snapshot.toOutcome(), true, nil
}

func (store *Store) PutOutcome(ctx context.Context, key credits.IdempotencyKey, sessionID credits.SessionID, source credits.Source, outcome credits.MutationOutcome, recordedUnixUTC int64) error {
	raw, err := json.Marshal(newOutcomeSnapshot(outcome))
	if err != nil {
		return wrapStoreError(errorSubjectOutcome, errorCodeInvalid, err)
	}
	model := IdempotencyRecord{
		IdempotencyKey: key.String(),
		SessionID:      sessionID.String(),
		Source:         source.String(),
		Outcome:        raw,
		RecordedAt:     time.Unix(recordedUnixUTC, 0).UTC(),
	}
	err = store.run(ctx, func(db *gorm.DB) error {
		return db.Create(&model).Error
	})
	if isConstraintViolation(err) {
		return wrapStoreError(errorSubjectOutcome, errorCodeDuplicate, credits.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectOutcome, errorCodeInsert, classify(err))
	}
	return nil
}

func (store *Store) PruneOutcomes(ctx context.Context, beforeUnixUTC int64) (int64, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	var pruned int64
	err := store.run(ctx, func(db *gorm.DB) error {
		result := db.Where("recorded_at < ?", before).Delete(&IdempotencyRecord{})
		if result.Error != nil {
			return result.Error
		}
		pruned = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, wrapStoreError(errorSubjectOutcome, errorCodePrune, classify(err))
	}
	return pruned, nil
}

// run routes through the pool unless the store is already bound to a
// transaction handle.
func (store *Store) run(ctx context.Context, fn func(db *gorm.DB) error) error {
	if store.db != nil {
		return fn(store.db.WithContext(ctx))
	}
	return store.pool.WithConnection(ctx, fn)
}

type outcomeSnapshot struct {
	OK           bool  `json:"ok"`
	Charged      bool  `json:"charged"`
	TotalCredits int64 `json:"total_credits"`
	UsedCredits  int64 `json:"used_credits"`
}

func newOutcomeSnapshot(outcome credits.MutationOutcome) outcomeSnapshot {
	return outcomeSnapshot{
		OK:           outcome.OK,
		Charged:      outcome.Charged,
		TotalCredits: outcome.Balance.TotalCredits,
		UsedCredits:  outcome.Balance.UsedCredits,
	}
}

func (snapshot outcomeSnapshot) toOutcome() credits.MutationOutcome {
	return credits.MutationOutcome{
		OK:      snapshot.OK,
		Charged: snapshot.Charged,
		Balance: credits.Balance{TotalCredits: snapshot.TotalCredits, UsedCredits: snapshot.UsedCredits},
	}
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

// classify maps SQLITE_BUSY onto the retryable sentinel; other errors pass
// through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code()&0xFF == sqliteBusyCode {
		return errors.Join(credits.ErrStoreBusy, err)
	}
	return err
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
