package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"winedispense-backend/internal/apperr"
)

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateUniqueViolation      = "23505"
)

// withTx runs fn in one transaction, retrying the whole unit of work with
// capped exponential backoff when the database reports a serialization conflict.
func (s *gormStore) withTx(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	backoff := retry.WithMaxRetries(uint64(s.retry.MaxRetries),
		retry.WithCappedDuration(s.retry.MaxBackoff, retry.NewExponential(s.retry.BaseBackoff)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.db.WithContext(ctx).Transaction(fn, s.txOptions()...)
		if isSerializationFailure(err) {
			s.metrics.IncTxRetry(op)
			return retry.RetryableError(err)
		}
		return err
	})
	if isSerializationFailure(err) {
		s.metrics.IncTxExhausted(op)
		return apperr.Wrap(apperr.CodeTransient, err, op+": transaction retries exhausted")
	}
	return err
}

func (s *gormStore) txOptions() []*sql.TxOptions {
	if s.db.Dialector.Name() == "postgres" {
		return []*sql.TxOptions{{Isolation: sql.LevelSerializable}}
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
	}
	return false
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// notFound converts gorm's missing-row error into a typed NOT_FOUND.
func notFound(err error, entity string, key any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.Newf(apperr.CodeNotFound, "%s %v not found", entity, key)
	}
	return fmt.Errorf("failed to load %s %v: %w", entity, key, err)
}
