package rating

import (
	"context"

	"github.com/Clark-Hu/rateable/internal/domain"
)

// Reader is the read side of the rating store.
type Reader interface {
	// FindRating returns domain.ErrNotFound when the pair has no rating.
	FindRating(ctx context.Context, key domain.RatingKey) (domain.Rating, error)
	// FindRatingsForResource returns every rating of the resource ordered by
	// creation time, then id.
	FindRatingsForResource(ctx context.Context, resource domain.ResourceRef) ([]domain.Rating, error)
	// GetAggregate returns the stored aggregate, or an empty unpersisted one.
	GetAggregate(ctx context.Context, resource domain.ResourceRef) (*domain.Aggregate, error)
}

// Tx is a unit of work. Writes made through it are committed together or not at all.
type Tx interface {
	Reader

	// LockAggregate loads the aggregate and holds it against concurrent writers
	// until the transaction ends. Absent aggregates come back empty with Version 0.
	LockAggregate(ctx context.Context, resource domain.ResourceRef) (*domain.Aggregate, error)
	// SaveAggregate persists agg when its Version still matches the stored one
	// and increments agg.Version. A mismatch yields domain.ErrConflict.
	SaveAggregate(ctx context.Context, agg *domain.Aggregate) error
	DeleteAggregate(ctx context.Context, resource domain.ResourceRef) error

	// InsertRating stores a new rating and returns it with its assigned id.
	// A duplicate (resource, reviewer) pair yields domain.ErrAlreadyRated.
	InsertRating(ctx context.Context, r domain.Rating) (domain.Rating, error)
	UpdateRating(ctx context.Context, r domain.Rating) error
	DeleteRating(ctx context.Context, id string) error
}

// Store is the durable home of ratings and aggregates.
type Store interface {
	Reader

	// WithinTx runs fn in a transaction, committing when fn returns nil.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// ListResources returns every resource that has ratings or a stored aggregate.
	ListResources(ctx context.Context) ([]domain.ResourceRef, error)
}

// PermissionChecker resolves whether a reviewer may act on a resource.
type PermissionChecker interface {
	CanAdd(ctx context.Context, reviewer string, resource domain.ResourceRef) (bool, error)
	CanChange(ctx context.Context, reviewer string, resource domain.ResourceRef) (bool, error)
	CanRemove(ctx context.Context, reviewer string, resource domain.ResourceRef) (bool, error)
}

// AggregateCache is an optional best-effort read cache in front of the store.
//
// Invalidate is called after a write committed version of the aggregate;
// implementations must refuse later Set calls carrying an older version.
type AggregateCache interface {
	Get(ctx context.Context, resource domain.ResourceRef) (*domain.Aggregate, bool)
	Set(ctx context.Context, agg *domain.Aggregate)
	Invalidate(ctx context.Context, resource domain.ResourceRef, version int64)
}

// ResourceDeletionHook is invoked by owning systems right before a resource is
// permanently deleted so no rating outlives it.
type ResourceDeletionHook interface {
	BeforeResourceDelete(ctx context.Context, resource domain.ResourceRef) error
}
