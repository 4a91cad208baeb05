// Package rating keeps the vote count and score total cached on a resource
// consistent with the individual ratings they summarise.
//
// Every mutation runs as one store transaction: the resource aggregate is
// locked first, the rating row is written, and the adjusted aggregate is saved
// with a version check. Either both writes commit or neither does. Conflicting
// writers are retried from the top, so uniqueness and existence checks are
// always re-evaluated. If an aggregate ever drifts anyway (manual edits, bulk
// imports, a store without transactions), RecomputeAggregate rebuilds it from
// the ratings and is the documented repair path.
package rating

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Clark-Hu/rateable/internal/domain"
	"github.com/Clark-Hu/rateable/internal/metrics"
	"github.com/Clark-Hu/rateable/internal/retry"
)

// DefaultRetryPolicy bounds retries after concurrent aggregate modifications.
var DefaultRetryPolicy = retry.Policy{
	MaxAttempts:    5,
	InitialBackoff: 10 * time.Millisecond,
	MaxBackoff:     200 * time.Millisecond,
}

// Options configures a Service. Zero values select defaults.
type Options struct {
	// Bounds defaults to 1..5 when nil.
	Bounds  *domain.ScoreBounds
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *metrics.RatingMetrics
	Cache   AggregateCache
	// Retry defaults to DefaultRetryPolicy when MaxAttempts is zero.
	Retry retry.Policy
}

// Service is the rating consistency engine. It holds no state between calls.
type Service struct {
	store   Store
	perms   PermissionChecker
	bounds  domain.ScoreBounds
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.RatingMetrics
	cache   AggregateCache
	retry   retry.Policy
}

var _ ResourceDeletionHook = (*Service)(nil)

// NewService wires a Service over store and perms.
func NewService(store Store, perms PermissionChecker, opts Options) (*Service, error) {
	if store == nil {
		return nil, errors.New("rating: store is required")
	}
	if perms == nil {
		return nil, errors.New("rating: permission checker is required")
	}

	bounds := domain.DefaultBounds()
	if opts.Bounds != nil {
		bounds = *opts.Bounds
	}
	if err := bounds.Validate(); err != nil {
		return nil, fmt.Errorf("rating: %w", err)
	}

	s := &Service{
		store:   store,
		perms:   perms,
		bounds:  bounds,
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		cache:   opts.Cache,
		retry:   opts.Retry,
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.retry.MaxAttempts == 0 {
		s.retry = DefaultRetryPolicy
	}
	return s, nil
}

// Bounds returns the configured score range.
func (s *Service) Bounds() domain.ScoreBounds {
	return s.bounds
}

// ValidateScore reports whether score lies within the configured bounds.
func (s *Service) ValidateScore(score int) bool {
	return s.bounds.Contains(score)
}

// AddRating records the first rating of reviewer for resource and adds it to
// the resource aggregate.
func (s *Service) AddRating(ctx context.Context, resource domain.ResourceRef, reviewer string, score int) (created domain.Rating, err error) {
	const op = "add"
	defer s.observe(op, time.Now(), &err)

	if err := checkArgs(resource, reviewer); err != nil {
		return domain.Rating{}, err
	}
	if err := s.authorize(ctx, domain.ActionAdd, reviewer, resource); err != nil {
		return domain.Rating{}, err
	}
	if err := s.bounds.Check(score); err != nil {
		return domain.Rating{}, err
	}

	key := domain.RatingKey{Resource: resource, ReviewerID: reviewer}
	var version int64
	err = s.inTx(ctx, op, func(ctx context.Context, tx Tx) error {
		agg, err := tx.LockAggregate(ctx, resource)
		if err != nil {
			return fmt.Errorf("lock aggregate: %w", err)
		}

		if _, err := tx.FindRating(ctx, key); err == nil {
			return domain.ErrAlreadyRated
		} else if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("find rating: %w", err)
		}

		now := s.clock.Now().UTC()
		created, err = tx.InsertRating(ctx, domain.Rating{
			Resource:   resource,
			ReviewerID: reviewer,
			Score:      score,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("insert rating: %w", err)
		}

		applyAdd(agg, score)
		if err := tx.SaveAggregate(ctx, agg); err != nil {
			return fmt.Errorf("save aggregate: %w", err)
		}
		version = agg.Version
		return nil
	})
	if err != nil {
		return domain.Rating{}, err
	}

	s.invalidate(ctx, resource, version)
	s.logger.Debug("rating added", "resource", resource.String(), "reviewer", reviewer, "score", score)
	return created, nil
}

// ChangeRating replaces the score of an existing rating and moves the
// aggregate total by the difference. The vote count is unchanged.
func (s *Service) ChangeRating(ctx context.Context, resource domain.ResourceRef, reviewer string, score int) (updated domain.Rating, err error) {
	const op = "change"
	defer s.observe(op, time.Now(), &err)

	if err := checkArgs(resource, reviewer); err != nil {
		return domain.Rating{}, err
	}
	if err := s.authorize(ctx, domain.ActionChange, reviewer, resource); err != nil {
		return domain.Rating{}, err
	}
	if err := s.bounds.Check(score); err != nil {
		return domain.Rating{}, err
	}

	key := domain.RatingKey{Resource: resource, ReviewerID: reviewer}
	var oldScore int
	var version int64
	err = s.inTx(ctx, op, func(ctx context.Context, tx Tx) error {
		agg, err := tx.LockAggregate(ctx, resource)
		if err != nil {
			return fmt.Errorf("lock aggregate: %w", err)
		}

		existing, err := tx.FindRating(ctx, key)
		if err != nil {
			return err
		}
		oldScore = existing.Score

		applyChange(agg, existing.Score, score)
		existing.Score = score
		existing.UpdatedAt = s.clock.Now().UTC()
		if err := tx.UpdateRating(ctx, existing); err != nil {
			return fmt.Errorf("update rating: %w", err)
		}
		if err := tx.SaveAggregate(ctx, agg); err != nil {
			return fmt.Errorf("save aggregate: %w", err)
		}
		updated = existing
		version = agg.Version
		return nil
	})
	if err != nil {
		return domain.Rating{}, err
	}

	s.invalidate(ctx, resource, version)
	s.logger.Debug("rating changed", "resource", resource.String(), "reviewer", reviewer, "from", oldScore, "to", score)
	return updated, nil
}

// RemoveRating deletes the rating of reviewer for resource and subtracts it
// from the aggregate.
func (s *Service) RemoveRating(ctx context.Context, resource domain.ResourceRef, reviewer string) (err error) {
	const op = "remove"
	defer s.observe(op, time.Now(), &err)

	if err := checkArgs(resource, reviewer); err != nil {
		return err
	}
	if err := s.authorize(ctx, domain.ActionRemove, reviewer, resource); err != nil {
		return err
	}

	key := domain.RatingKey{Resource: resource, ReviewerID: reviewer}
	var removed domain.Rating
	var version int64
	err = s.inTx(ctx, op, func(ctx context.Context, tx Tx) error {
		agg, err := tx.LockAggregate(ctx, resource)
		if err != nil {
			return fmt.Errorf("lock aggregate: %w", err)
		}

		existing, err := tx.FindRating(ctx, key)
		if err != nil {
			return err
		}
		if err := tx.DeleteRating(ctx, existing.ID); err != nil {
			return fmt.Errorf("delete rating: %w", err)
		}

		applyRemove(agg, existing.Score)
		if agg.Votes < 0 || (agg.Votes == 0 && agg.Total != 0) {
			// The stored aggregate was already wrong; rebuild it from what remains.
			remaining, err := tx.FindRatingsForResource(ctx, resource)
			if err != nil {
				return fmt.Errorf("find remaining ratings: %w", err)
			}
			d := measure(agg, remaining)
			s.logger.Warn("rating aggregate drift detected on remove", "drift", d.String())
			overwrite(agg, d)
		}
		if err := tx.SaveAggregate(ctx, agg); err != nil {
			return fmt.Errorf("save aggregate: %w", err)
		}
		removed = existing
		version = agg.Version
		return nil
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, resource, version)
	s.logger.Debug("rating removed", "resource", resource.String(), "reviewer", reviewer, "score", removed.Score)
	return nil
}

// RecomputeAggregate rebuilds the aggregate of resource from its ratings,
// overwriting whatever was stored. It is idempotent and serves both as the
// repair path for drifted aggregates and as the initial backfill. The returned
// Drift describes the state found before the overwrite.
func (s *Service) RecomputeAggregate(ctx context.Context, resource domain.ResourceRef) (drift Drift, err error) {
	const op = "recompute"
	defer s.observe(op, time.Now(), &err)

	if err := resource.Validate(); err != nil {
		return Drift{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}

	var version int64
	err = s.inTx(ctx, op, func(ctx context.Context, tx Tx) error {
		agg, err := tx.LockAggregate(ctx, resource)
		if err != nil {
			return fmt.Errorf("lock aggregate: %w", err)
		}
		ratings, err := tx.FindRatingsForResource(ctx, resource)
		if err != nil {
			return fmt.Errorf("find ratings: %w", err)
		}

		drift = measure(agg, ratings)
		version = agg.Version
		if !drift.Drifted() && (agg.Persisted() || drift.ExpectedVotes == 0) {
			return nil
		}
		overwrite(agg, drift)
		if err := tx.SaveAggregate(ctx, agg); err != nil {
			return fmt.Errorf("save aggregate: %w", err)
		}
		version = agg.Version
		return nil
	})
	if err != nil {
		return Drift{}, err
	}

	if drift.Drifted() {
		s.metrics.Corrected()
		s.logger.Info("rating aggregate recomputed",
			"resource", resource.String(),
			"old_votes", drift.StoredVotes,
			"old_total", drift.StoredTotal,
			"votes", drift.ExpectedVotes,
			"total", drift.ExpectedTotal,
		)
	}
	s.invalidate(ctx, resource, version)
	return drift, nil
}

// VerifyAggregate compares the stored aggregate with its ratings without
// modifying anything.
func (s *Service) VerifyAggregate(ctx context.Context, resource domain.ResourceRef) (drift Drift, err error) {
	if err := resource.Validate(); err != nil {
		return Drift{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}

	err = s.inTx(ctx, "verify", func(ctx context.Context, tx Tx) error {
		agg, err := tx.LockAggregate(ctx, resource)
		if err != nil {
			return fmt.Errorf("lock aggregate: %w", err)
		}
		ratings, err := tx.FindRatingsForResource(ctx, resource)
		if err != nil {
			return fmt.Errorf("find ratings: %w", err)
		}
		drift = measure(agg, ratings)
		return nil
	})
	return drift, err
}

// RecomputeSummary reports the result of RecomputeAll.
type RecomputeSummary struct {
	Resources int
	Corrected int
}

// RecomputeAll runs RecomputeAggregate for every resource known to the store.
func (s *Service) RecomputeAll(ctx context.Context) (RecomputeSummary, error) {
	var summary RecomputeSummary

	resources, err := s.store.ListResources(ctx)
	if err != nil {
		return summary, fmt.Errorf("list resources: %w", err)
	}

	for _, resource := range resources {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		drift, err := s.RecomputeAggregate(ctx, resource)
		if err != nil {
			return summary, fmt.Errorf("recompute %s: %w", resource, err)
		}
		summary.Resources++
		if drift.Drifted() {
			summary.Corrected++
		}
	}
	return summary, nil
}

// PurgeResource deletes every rating of resource together with its aggregate
// and returns how many ratings were removed.
func (s *Service) PurgeResource(ctx context.Context, resource domain.ResourceRef) (removed int, err error) {
	const op = "purge"
	defer s.observe(op, time.Now(), &err)

	if err := resource.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}

	var version int64
	err = s.inTx(ctx, op, func(ctx context.Context, tx Tx) error {
		agg, err := tx.LockAggregate(ctx, resource)
		if err != nil {
			return fmt.Errorf("lock aggregate: %w", err)
		}
		ratings, err := tx.FindRatingsForResource(ctx, resource)
		if err != nil {
			return fmt.Errorf("find ratings: %w", err)
		}
		for _, rt := range ratings {
			if err := tx.DeleteRating(ctx, rt.ID); err != nil {
				return fmt.Errorf("delete rating %s: %w", rt.ID, err)
			}
		}
		if err := tx.DeleteAggregate(ctx, resource); err != nil {
			return fmt.Errorf("delete aggregate: %w", err)
		}
		removed = len(ratings)
		// A re-created aggregate restarts at version 1; fence above the
		// deleted one so none of its cached versions can come back.
		version = agg.Version + 1
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.invalidate(ctx, resource, version)
	s.logger.Info("ratings purged", "resource", resource.String(), "count", removed)
	return removed, nil
}

// BeforeResourceDelete implements ResourceDeletionHook.
func (s *Service) BeforeResourceDelete(ctx context.Context, resource domain.ResourceRef) error {
	_, err := s.PurgeResource(ctx, resource)
	return err
}

// FindRating looks up the rating of reviewer for resource. The boolean is
// false when none exists.
func (s *Service) FindRating(ctx context.Context, resource domain.ResourceRef, reviewer string) (domain.Rating, bool, error) {
	if err := checkArgs(resource, reviewer); err != nil {
		return domain.Rating{}, false, err
	}
	rt, err := s.store.FindRating(ctx, domain.RatingKey{Resource: resource, ReviewerID: reviewer})
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Rating{}, false, nil
	}
	if err != nil {
		return domain.Rating{}, false, err
	}
	return rt, true, nil
}

// FindRatingsForResource returns all ratings of resource in a stable order.
func (s *Service) FindRatingsForResource(ctx context.Context, resource domain.ResourceRef) ([]domain.Rating, error) {
	if err := resource.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return s.store.FindRatingsForResource(ctx, resource)
}

// GetAggregate returns the stored aggregate of resource, consulting the cache
// first when one is configured.
func (s *Service) GetAggregate(ctx context.Context, resource domain.ResourceRef) (*domain.Aggregate, error) {
	if err := resource.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if s.cache != nil {
		if agg, ok := s.cache.Get(ctx, resource); ok {
			return agg, nil
		}
	}

	agg, err := s.store.GetAggregate(ctx, resource)
	if err != nil {
		return nil, fmt.Errorf("get aggregate: %w", err)
	}
	if s.cache != nil {
		s.cache.Set(ctx, agg)
	}
	return agg, nil
}

// AverageScore returns the rounded average score of resource, 0 when it has
// no votes. Rounding is half away from zero; see domain.AverageOf.
func (s *Service) AverageScore(ctx context.Context, resource domain.ResourceRef, precision int) (float64, error) {
	agg, err := s.GetAggregate(ctx, resource)
	if err != nil {
		return 0, err
	}
	return AverageScore(agg, precision), nil
}

func (s *Service) authorize(ctx context.Context, action domain.Action, reviewer string, resource domain.ResourceRef) error {
	var (
		allowed bool
		err     error
	)
	switch action {
	case domain.ActionAdd:
		allowed, err = s.perms.CanAdd(ctx, reviewer, resource)
	case domain.ActionChange:
		allowed, err = s.perms.CanChange(ctx, reviewer, resource)
	case domain.ActionRemove:
		allowed, err = s.perms.CanRemove(ctx, reviewer, resource)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return fmt.Errorf("check %s permission: %w", action, err)
	}
	if !allowed {
		return &domain.PermissionError{Action: action, Reviewer: reviewer, Resource: resource}
	}
	return nil
}

func (s *Service) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	policy := s.retry
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		s.metrics.Retried(op)
		s.logger.Warn("retrying after concurrent modification",
			"operation", op, "attempt", attempt, "backoff", backoff, "error", err)
	}
	return retry.DoVoid(ctx, policy, isConflict, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, fn)
	})
}

func (s *Service) invalidate(ctx context.Context, resource domain.ResourceRef, version int64) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, resource, version)
	}
}

func (s *Service) observe(op string, started time.Time, err *error) {
	s.metrics.Observe(op, outcome(*err), started)
}

func isConflict(err error) bool {
	return errors.Is(err, domain.ErrConflict)
}

func checkArgs(resource domain.ResourceRef, reviewer string) error {
	if err := resource.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if strings.TrimSpace(reviewer) == "" {
		return fmt.Errorf("%w: reviewer id is required", domain.ErrInvalidArgument)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, domain.ErrInvalidScore):
		return "invalid_score"
	case errors.Is(err, domain.ErrAlreadyRated):
		return "already_rated"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
