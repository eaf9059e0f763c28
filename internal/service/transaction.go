package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/course-ledger-api/internal/models"
	"github.com/noah-isme/course-ledger-api/internal/repository"
	appErrors "github.com/noah-isme/course-ledger-api/pkg/errors"
)

type txProvider interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// readCommitted is the isolation used by every write transaction. Row locks
// provide the serialisation the admission and grade paths need.
var readCommitted = &sql.TxOptions{Isolation: sql.LevelReadCommitted}

// setLockTimeout bounds how long the transaction waits on row locks.
func setLockTimeout(ctx context.Context, tx *sqlx.Tx, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	value := fmt.Sprintf("%dms", timeout.Milliseconds())
	if _, err := tx.ExecContext(ctx, "SELECT set_config('lock_timeout', $1, true)", value); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}
	return nil
}

// storeFailure classifies a repository error. Malformed identifiers are the
// caller's fault; everything else is internal.
func storeFailure(err error, message string) *appErrors.Error {
	if repository.IsInvalidInput(err) {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "malformed identifier")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}

func actorRef(actor models.Principal) *string {
	if actor.Empty() {
		return nil
	}
	id := actor.UserID
	return &id
}

func paginationFor(page, size, total int) *models.Pagination {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return &models.Pagination{Page: page, PageSize: size, TotalCount: total}
}
