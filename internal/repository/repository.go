package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Clark-Hu/rateable/internal/domain"
	"github.com/Clark-Hu/rateable/internal/rating"
	"github.com/Clark-Hu/rateable/internal/store"
)

// PostgreSQL error codes the repository translates.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the PostgreSQL implementation of rating.Store.
type Repository struct {
	pool *pgxpool.Pool
}

var _ rating.Store = (*Repository)(nil)

// New constructs a Repository backed by the provided store.
func New(st *store.Store) *Repository {
	return &Repository{pool: st.Pool()}
}

// NewWithPool allows constructing the repository directly from a pgx pool.
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithinTx runs fn in a READ COMMITTED transaction. Aggregate rows are locked
// explicitly by Tx.LockAggregate, so a stronger isolation level is not needed.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx rating.Tx) error) error {
	pgTx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapError(err))
	}
	defer func() {
		// No-op after a successful commit.
		_ = pgTx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, &tx{q: pgTx}); err != nil {
		return mapError(err)
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", mapError(err))
	}
	return nil
}

func (r *Repository) FindRating(ctx context.Context, key domain.RatingKey) (domain.Rating, error) {
	return findRating(ctx, r.pool, key)
}

func (r *Repository) FindRatingsForResource(ctx context.Context, resource domain.ResourceRef) ([]domain.Rating, error) {
	return findRatingsForResource(ctx, r.pool, resource)
}

func (r *Repository) GetAggregate(ctx context.Context, resource domain.ResourceRef) (*domain.Aggregate, error) {
	return getAggregate(ctx, r.pool, resource, false)
}

// ListResources returns every resource that has an aggregate row or at least
// one rating, ordered by kind then id.
func (r *Repository) ListResources(ctx context.Context) ([]domain.ResourceRef, error) {
	const query = `
        SELECT resource_kind, resource_id FROM rating_aggregates
        UNION
        SELECT resource_kind, resource_id FROM ratings
        ORDER BY 1, 2
    `
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ResourceRef, error) {
		var ref domain.ResourceRef
		err := row.Scan(&ref.Kind, &ref.ID)
		return ref, err
	})
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	return refs, nil
}

// tx implements rating.Tx over a pgx transaction.
type tx struct {
	q queryer
}

var _ rating.Tx = (*tx)(nil)

func (t *tx) FindRating(ctx context.Context, key domain.RatingKey) (domain.Rating, error) {
	return findRating(ctx, t.q, key)
}

func (t *tx) FindRatingsForResource(ctx context.Context, resource domain.ResourceRef) ([]domain.Rating, error) {
	return findRatingsForResource(ctx, t.q, resource)
}

func (t *tx) GetAggregate(ctx context.Context, resource domain.ResourceRef) (*domain.Aggregate, error) {
	return getAggregate(ctx, t.q, resource, false)
}

// LockAggregate takes a row lock on the aggregate until the transaction ends.
func (t *tx) LockAggregate(ctx context.Context, resource domain.ResourceRef) (*domain.Aggregate, error) {
	return getAggregate(ctx, t.q, resource, true)
}

func (t *tx) SaveAggregate(ctx context.Context, agg *domain.Aggregate) error {
	return saveAggregate(ctx, t.q, agg)
}

func (t *tx) DeleteAggregate(ctx context.Context, resource domain.ResourceRef) error {
	return deleteAggregate(ctx, t.q, resource)
}

func (t *tx) InsertRating(ctx context.Context, r domain.Rating) (domain.Rating, error) {
	return insertRating(ctx, t.q, r)
}

func (t *tx) UpdateRating(ctx context.Context, r domain.Rating) error {
	return updateRating(ctx, t.q, r)
}

func (t *tx) DeleteRating(ctx context.Context, id string) error {
	return deleteRating(ctx, t.q, id)
}

// mapError turns transient PostgreSQL concurrency failures into
// domain.ErrConflict so the service retries them.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.Message)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}
