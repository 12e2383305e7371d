package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/eskrenkovic/matchpoint/internal/docstore"

	"github.com/lib/pq"
	pkgerrors "github.com/pkg/errors"
)

// inTx runs fn in a SQL transaction at the given isolation level and commits
// it. Serialization failures and deadlocks come back wrapping
// docstore.ErrConflict so RunTransaction retries them.
func inTx(
	ctx context.Context,
	db *sql.DB,
	isolation sql.IsolationLevel,
	fn func(context.Context, *sql.Tx) error,
) (err error) {
	sqlTx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: isolation})
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if rollbackErr := sqlTx.Rollback(); rollbackErr != nil {
				err = pkgerrors.Wrapf(rollbackErr, "document transaction panicked with: %v", r)
			} else {
				err = fmt.Errorf("document transaction panicked with: %v", r)
			}
		}
	}()

	if err := fn(ctx, sqlTx); err != nil {
		if rollbackErr := sqlTx.Rollback(); rollbackErr != nil {
			err = errors.Join(err, rollbackErr)
		}
		return asConflict(err)
	}

	return asConflict(sqlTx.Commit())
}

func asConflict(err error) error {
	if isConcurrencyFailure(err) {
		return fmt.Errorf("%v: %w", err, docstore.ErrConflict)
	}
	return err
}

// isConcurrencyFailure reports serialization failures and deadlocks,
// both of which are safe to retry from the top of the transaction.
func isConcurrencyFailure(err error) bool {
	if err == nil || errors.Is(err, docstore.ErrConflict) {
		return false
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}

	switch pqErr.Code {
	case "40001", "40P01":
		return true
	default:
		return false
	}
}
