package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

// Tx is an opaque transaction handle. Its concrete type is infra-defined
// (pgx.Tx for Postgres). Repositories must gracefully accept a nil Tx and
// fall back to their non-transactional path.
type Tx interface{}

// TransactionManager executes a function within a database transaction,
// passing the transaction handle to the callback. It keeps use-case
// interfaces free of storage types while still letting repositories run
// SELECT ... FOR UPDATE inside a caller-scoped transaction.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
