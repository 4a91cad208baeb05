package rating_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Clark-Hu/rateable/internal/domain"
	"github.com/Clark-Hu/rateable/internal/memstore"
	"github.com/Clark-Hu/rateable/internal/metrics"
	"github.com/Clark-Hu/rateable/internal/rating"
	"github.com/Clark-Hu/rateable/internal/retry"
)

var article = domain.ResourceRef{Kind: "article", ID: "42"}

type permStub struct {
	deny map[domain.Action]bool
	err  error
}

func (p permStub) check(action domain.Action) (bool, error) {
	if p.err != nil {
		return false, p.err
	}
	return !p.deny[action], nil
}

func (p permStub) CanAdd(context.Context, string, domain.ResourceRef) (bool, error) {
	return p.check(domain.ActionAdd)
}

func (p permStub) CanChange(context.Context, string, domain.ResourceRef) (bool, error) {
	return p.check(domain.ActionChange)
}

func (p permStub) CanRemove(context.Context, string, domain.ResourceRef) (bool, error) {
	return p.check(domain.ActionRemove)
}

type testEnv struct {
	ctx     context.Context
	store   *memstore.Store
	clock   clockwork.FakeClock
	metrics *metrics.RatingMetrics
	svc     *rating.Service
}

func newTestEnv(t *testing.T, perms rating.PermissionChecker) *testEnv {
	t.Helper()
	if perms == nil {
		perms = permStub{}
	}
	env := &testEnv{
		ctx:     context.Background(),
		store:   memstore.New(),
		clock:   clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		metrics: metrics.NewRatingMetrics(prometheus.NewRegistry()),
	}
	svc, err := rating.NewService(env.store, perms, rating.Options{
		Clock:   env.clock,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: env.metrics,
		Retry:   retry.Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond},
	})
	require.NoError(t, err)
	env.svc = svc
	return env
}

func (e *testEnv) aggregate(t *testing.T, ref domain.ResourceRef) *domain.Aggregate {
	t.Helper()
	agg, err := e.svc.GetAggregate(e.ctx, ref)
	require.NoError(t, err)
	return agg
}

func TestNewServiceValidation(t *testing.T) {
	_, err := rating.NewService(nil, permStub{}, rating.Options{})
	assert.Error(t, err)

	_, err = rating.NewService(memstore.New(), nil, rating.Options{})
	assert.Error(t, err)

	_, err = rating.NewService(memstore.New(), permStub{}, rating.Options{Bounds: &domain.ScoreBounds{Min: 5, Max: 1}})
	assert.Error(t, err)

	svc, err := rating.NewService(memstore.New(), permStub{}, rating.Options{})
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultBounds(), svc.Bounds())
}

func TestValidateScore(t *testing.T) {
	env := newTestEnv(t, nil)
	for s := 1; s <= 5; s++ {
		assert.True(t, env.svc.ValidateScore(s), "score %d", s)
	}
	for _, s := range []int{-1, 0, 6, 10} {
		assert.False(t, env.svc.ValidateScore(s), "score %d", s)
	}

	custom, err := rating.NewService(memstore.New(), permStub{}, rating.Options{Bounds: &domain.ScoreBounds{Min: 0, Max: 10}})
	require.NoError(t, err)
	assert.True(t, custom.ValidateScore(0))
	assert.True(t, custom.ValidateScore(10))
	assert.False(t, custom.ValidateScore(11))
}

func TestExplicitZeroBoundsAreKept(t *testing.T) {
	svc, err := rating.NewService(memstore.New(), permStub{}, rating.Options{Bounds: &domain.ScoreBounds{}})
	require.NoError(t, err)
	assert.Equal(t, domain.ScoreBounds{Min: 0, Max: 0}, svc.Bounds())
	assert.True(t, svc.ValidateScore(0))
	assert.False(t, svc.ValidateScore(3))
}

func TestRatingLifecycleScenario(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := env.ctx

	agg := env.aggregate(t, article)
	assert.Zero(t, agg.Votes)
	assert.Zero(t, agg.Total)

	_, err := env.svc.AddRating(ctx, article, "A", 5)
	require.NoError(t, err)
	agg = env.aggregate(t, article)
	assert.Equal(t, int64(1), agg.Votes)
	assert.Equal(t, int64(5), agg.Total)

	_, err = env.svc.AddRating(ctx, article, "B", 3)
	require.NoError(t, err)
	agg = env.aggregate(t, article)
	assert.Equal(t, int64(2), agg.Votes)
	assert.Equal(t, int64(8), agg.Total)

	avg, err := env.svc.AverageScore(ctx, article, 0)
	require.NoError(t, err)
	assert.Equal(t, 4.0, avg)

	_, err = env.svc.ChangeRating(ctx, article, "A", 1)
	require.NoError(t, err)
	agg = env.aggregate(t, article)
	assert.Equal(t, int64(2), agg.Votes)
	assert.Equal(t, int64(4), agg.Total)

	avg, err = env.svc.AverageScore(ctx, article, 1)
	require.NoError(t, err)
	assert.Equal(t, 2.0, avg)

	require.NoError(t, env.svc.RemoveRating(ctx, article, "B"))
	agg = env.aggregate(t, article)
	assert.Equal(t, int64(1), agg.Votes)
	assert.Equal(t, int64(1), agg.Total)

	_, found, err := env.svc.FindRating(ctx, article, "B")
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.Operations.WithLabelValues("add", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Operations.WithLabelValues("remove", "ok")))
}

func TestAddRatingThenFind(t *testing.T) {
	env := newTestEnv(t, nil)

	created, err := env.svc.AddRating(env.ctx, article, "alice", 4)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, env.clock.Now(), created.CreatedAt)
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)

	found, ok, err := env.svc.FindRating(env.ctx, article, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, 4, found.Score)
}

func TestChangeRatingRefreshesUpdatedAt(t *testing.T) {
	env := newTestEnv(t, nil)

	created, err := env.svc.AddRating(env.ctx, article, "alice", 2)
	require.NoError(t, err)

	env.clock.Advance(time.Hour)
	updated, err := env.svc.ChangeRating(env.ctx, article, "alice", 5)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.Equal(t, created.CreatedAt.Add(time.Hour), updated.UpdatedAt)

	found, _, err := env.svc.FindRating(env.ctx, article, "alice")
	require.NoError(t, err)
	assert.Equal(t, 5, found.Score)
	assert.Equal(t, updated.UpdatedAt, found.UpdatedAt)
}

func TestAddRatingTwiceFailsAndKeepsAggregate(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.svc.AddRating(env.ctx, article, "alice", 4)
	require.NoError(t, err)

	_, err = env.svc.AddRating(env.ctx, article, "alice", 2)
	assert.ErrorIs(t, err, domain.ErrAlreadyRated)

	agg := env.aggregate(t, article)
	assert.Equal(t, int64(1), agg.Votes)
	assert.Equal(t, int64(4), agg.Total)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Operations.WithLabelValues("add", "already_rated")))
}

func TestInvalidScoreCarriesBounds(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, score := range []int{0, 6} {
		_, err := env.svc.AddRating(env.ctx, article, "alice", score)
		require.ErrorIs(t, err, domain.ErrInvalidScore)

		var scoreErr *domain.ScoreError
		require.ErrorAs(t, err, &scoreErr)
		assert.Equal(t, 1, scoreErr.Min)
		assert.Equal(t, 5, scoreErr.Max)
	}

	_, err := env.svc.AddRating(env.ctx, article, "alice", 3)
	require.NoError(t, err)
	_, err = env.svc.ChangeRating(env.ctx, article, "alice", 9)
	assert.ErrorIs(t, err, domain.ErrInvalidScore)

	agg := env.aggregate(t, article)
	assert.Equal(t, int64(1), agg.Votes)
	assert.Equal(t, int64(3), agg.Total)
}

func TestPermissionDenied(t *testing.T) {
	tests := []struct {
		name   string
		action domain.Action
		run    func(env *testEnv) error
	}{
		{"add", domain.ActionAdd, func(env *testEnv) error {
			_, err := env.svc.AddRating(env.ctx, article, "alice", 3)
			return err
		}},
		{"change", domain.ActionChange, func(env *testEnv) error {
			_, err := env.svc.ChangeRating(env.ctx, article, "alice", 3)
			return err
		}},
		{"remove", domain.ActionRemove, func(env *testEnv) error {
			return env.svc.RemoveRating(env.ctx, article, "alice")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, permStub{deny: map[domain.Action]bool{tt.action: true}})
			if tt.action != domain.ActionAdd {
				_, err := env.svc.AddRating(env.ctx, article, "alice", 4)
				require.NoError(t, err)
			}

			err := tt.run(env)
			require.ErrorIs(t, err, domain.ErrPermissionDenied)
			var permErr *domain.PermissionError
			require.ErrorAs(t, err, &permErr)
			assert.Equal(t, tt.action, permErr.Action)
			assert.Equal(t, "alice", permErr.Reviewer)
			assert.Equal(t, article, permErr.Resource)
		})
	}
}

func TestPermissionCheckedBeforeScore(t *testing.T) {
	env := newTestEnv(t, permStub{deny: map[domain.Action]bool{domain.ActionAdd: true}})
	_, err := env.svc.AddRating(env.ctx, article, "alice", 99)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestPermissionResolverFailurePropagates(t *testing.T) {
	resolverErr := errors.New("resolver down")
	env := newTestEnv(t, permStub{err: resolverErr})
	_, err := env.svc.AddRating(env.ctx, article, "alice", 3)
	assert.ErrorIs(t, err, resolverErr)
	assert.NotErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestChangeAndRemoveMissingRating(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.svc.ChangeRating(env.ctx, article, "ghost", 3)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = env.svc.RemoveRating(env.ctx, article, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	agg := env.aggregate(t, article)
	assert.False(t, agg.Persisted())
}

func TestInvalidArguments(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.svc.AddRating(env.ctx, domain.ResourceRef{ID: "1"}, "alice", 3)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = env.svc.AddRating(env.ctx, article, "  ", 3)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, _, err = env.svc.FindRating(env.ctx, article, "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestAverageScoreWithoutVotesIsZero(t *testing.T) {
	env := newTestEnv(t, nil)
	avg, err := env.svc.AverageScore(env.ctx, article, 2)
	require.NoError(t, err)
	assert.Zero(t, avg)
}

func TestAverageScoreRoundsHalfAwayFromZero(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.svc.AddRating(env.ctx, article, "a", 2)
	require.NoError(t, err)
	_, err = env.svc.AddRating(env.ctx, article, "b", 3)
	require.NoError(t, err)

	avg, err := env.svc.AverageScore(env.ctx, article, 0)
	require.NoError(t, err)
	assert.Equal(t, 3.0, avg)

	avg, err = env.svc.AverageScore(env.ctx, article, 1)
	require.NoError(t, err)
	assert.Equal(t, 2.5, avg)
}

func TestRecomputeAggregateRepairsDrift(t *testing.T) {
	env := newTestEnv(t, nil)
	for i, score := range []int{5, 3, 4} {
		_, err := env.svc.AddRating(env.ctx, article, fmt.Sprintf("r%d", i), score)
		require.NoError(t, err)
	}

	stored := env.aggregate(t, article)
	stored.Votes, stored.Total = 99, -7
	env.store.SeedAggregate(*stored)

	drift, err := env.svc.VerifyAggregate(env.ctx, article)
	require.NoError(t, err)
	assert.True(t, drift.Drifted())
	assert.Equal(t, int64(3), drift.ExpectedVotes)

	drift, err = env.svc.RecomputeAggregate(env.ctx, article)
	require.NoError(t, err)
	assert.True(t, drift.Drifted())
	assert.Equal(t, int64(99), drift.StoredVotes)

	agg := env.aggregate(t, article)
	assert.Equal(t, int64(3), agg.Votes)
	assert.Equal(t, int64(12), agg.Total)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.DriftCorrections))

	drift, err = env.svc.RecomputeAggregate(env.ctx, article)
	require.NoError(t, err)
	assert.False(t, drift.Drifted())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.DriftCorrections))
}

func TestRecomputeAggregateBackfillsImportedRatings(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.SeedRating(domain.Rating{Resource: article, ReviewerID: "x", Score: 2})
	env.store.SeedRating(domain.Rating{Resource: article, ReviewerID: "y", Score: 5})

	_, err := env.svc.RecomputeAggregate(env.ctx, article)
	require.NoError(t, err)

	agg := env.aggregate(t, article)
	assert.True(t, agg.Persisted())
	assert.Equal(t, int64(2), agg.Votes)
	assert.Equal(t, int64(7), agg.Total)
}

func TestRecomputeAggregateOnUnknownResourceStoresNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	drift, err := env.svc.RecomputeAggregate(env.ctx, article)
	require.NoError(t, err)
	assert.False(t, drift.Drifted())

	resources, err := env.store.ListResources(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, resources)
}

func TestRecomputeAll(t *testing.T) {
	env := newTestEnv(t, nil)
	other := domain.ResourceRef{Kind: "movie", ID: "7"}

	_, err := env.svc.AddRating(env.ctx, article, "alice", 4)
	require.NoError(t, err)
	env.store.SeedRating(domain.Rating{Resource: other, ReviewerID: "bob", Score: 1})

	summary, err := env.svc.RecomputeAll(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, rating.RecomputeSummary{Resources: 2, Corrected: 1}, summary)

	agg := env.aggregate(t, other)
	assert.Equal(t, int64(1), agg.Votes)
	assert.Equal(t, int64(1), agg.Total)
}

func TestRemoveRatingHealsDriftedAggregate(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.SeedRating(domain.Rating{Resource: article, ReviewerID: "legacy", Score: 4})
	env.store.SeedRating(domain.Rating{Resource: article, ReviewerID: "other", Score: 2})

	require.NoError(t, env.svc.RemoveRating(env.ctx, article, "legacy"))

	agg := env.aggregate(t, article)
	assert.Equal(t, int64(1), agg.Votes)
	assert.Equal(t, int64(2), agg.Total)
}

func TestPurgeResourceRemovesRatingsAndAggregate(t *testing.T) {
	env := newTestEnv(t, nil)
	other := domain.ResourceRef{Kind: "article", ID: "43"}
	for _, reviewer := range []string{"a", "b", "c"} {
		_, err := env.svc.AddRating(env.ctx, article, reviewer, 3)
		require.NoError(t, err)
	}
	_, err := env.svc.AddRating(env.ctx, other, "a", 5)
	require.NoError(t, err)

	var hook rating.ResourceDeletionHook = env.svc
	require.NoError(t, hook.BeforeResourceDelete(env.ctx, article))

	ratings, err := env.svc.FindRatingsForResource(env.ctx, article)
	require.NoError(t, err)
	assert.Empty(t, ratings)
	assert.False(t, env.aggregate(t, article).Persisted())

	ratings, err = env.svc.FindRatingsForResource(env.ctx, other)
	require.NoError(t, err)
	assert.Len(t, ratings, 1)

	removed, err := env.svc.PurgeResource(env.ctx, article)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestConcurrentAddsDistinctReviewers(t *testing.T) {
	env := newTestEnv(t, nil)
	const workers = 20

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.svc.AddRating(env.ctx, article, fmt.Sprintf("user-%d", i), 1+i%5)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	agg := env.aggregate(t, article)
	assert.Equal(t, int64(workers), agg.Votes)
	drift, err := env.svc.VerifyAggregate(env.ctx, article)
	require.NoError(t, err)
	assert.False(t, drift.Drifted())
}

func TestConcurrentAddsSameReviewer(t *testing.T) {
	env := newTestEnv(t, nil)
	const workers = 10

	var ok, dup atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.AddRating(env.ctx, article, "alice", 5)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrAlreadyRated):
				dup.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(workers-1), dup.Load())
	agg := env.aggregate(t, article)
	assert.Equal(t, int64(1), agg.Votes)
	assert.Equal(t, int64(5), agg.Total)
}

// conflictingStore fails the first n transactions with ErrConflict.
type conflictingStore struct {
	*memstore.Store
	remaining atomic.Int32
	calls     atomic.Int32
}

func (s *conflictingStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx rating.Tx) error) error {
	s.calls.Add(1)
	if s.remaining.Add(-1) >= 0 {
		return s.Store.WithinTx(ctx, func(ctx context.Context, tx rating.Tx) error {
			if err := fn(ctx, tx); err != nil {
				return err
			}
			return domain.ErrConflict
		})
	}
	return s.Store.WithinTx(ctx, fn)
}

func TestConflictsAreRetriedWithoutDoubleCounting(t *testing.T) {
	st := &conflictingStore{Store: memstore.New()}
	st.remaining.Store(2)
	m := metrics.NewRatingMetrics(prometheus.NewRegistry())

	svc, err := rating.NewService(st, permStub{}, rating.Options{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: m,
		Retry:   retry.Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond},
	})
	require.NoError(t, err)

	_, err = svc.AddRating(context.Background(), article, "alice", 4)
	require.NoError(t, err)
	assert.Equal(t, int32(3), st.calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConflictRetries.WithLabelValues("add")))

	agg, err := svc.GetAggregate(context.Background(), article)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.Votes)
	assert.Equal(t, int64(4), agg.Total)
}

func TestConflictRetriesExhausted(t *testing.T) {
	st := &conflictingStore{Store: memstore.New()}
	st.remaining.Store(100)

	svc, err := rating.NewService(st, permStub{}, rating.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Retry:  retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond},
	})
	require.NoError(t, err)

	_, err = svc.AddRating(context.Background(), article, "alice", 4)
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, found, err := svc.FindRating(context.Background(), article, "alice")
	require.NoError(t, err)
	assert.False(t, found)
}

// recordingCache mirrors the Redis cache contract: invalidation leaves a
// tombstone and writes never replace a higher version.
type recordingCache struct {
	mu          sync.Mutex
	entries     map[domain.ResourceRef]cachedAggregate
	invalidated []domain.ResourceRef
}

type cachedAggregate struct {
	agg       domain.Aggregate
	tombstone bool
}

func newRecordingCache() *recordingCache {
	return &recordingCache{entries: make(map[domain.ResourceRef]cachedAggregate)}
}

func (c *recordingCache) Get(_ context.Context, ref domain.ResourceRef) (*domain.Aggregate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ref]
	if !ok || e.tombstone {
		return nil, false
	}
	return &e.agg, true
}

func (c *recordingCache) Set(_ context.Context, agg *domain.Aggregate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(agg.Resource, cachedAggregate{agg: *agg})
}

func (c *recordingCache) Invalidate(_ context.Context, ref domain.ResourceRef, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(ref, cachedAggregate{agg: domain.Aggregate{Resource: ref, Version: version}, tombstone: true})
	c.invalidated = append(c.invalidated, ref)
}

func (c *recordingCache) store(ref domain.ResourceRef, e cachedAggregate) {
	if cur, ok := c.entries[ref]; ok && cur.agg.Version > e.agg.Version {
		return
	}
	c.entries[ref] = e
}

func TestCacheIsInvalidatedAfterMutations(t *testing.T) {
	cache := newRecordingCache()
	svc, err := rating.NewService(memstore.New(), permStub{}, rating.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Cache:  cache,
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.AddRating(ctx, article, "alice", 4)
	require.NoError(t, err)

	avg, err := svc.AverageScore(ctx, article, 0)
	require.NoError(t, err)
	assert.Equal(t, 4.0, avg)
	_, cached := cache.Get(ctx, article)
	assert.True(t, cached)

	_, err = svc.ChangeRating(ctx, article, "alice", 2)
	require.NoError(t, err)
	_, cached = cache.Get(ctx, article)
	assert.False(t, cached)

	avg, err = svc.AverageScore(ctx, article, 0)
	require.NoError(t, err)
	assert.Equal(t, 2.0, avg)
	assert.Len(t, cache.invalidated, 2)
}

func TestStaleReadCannotRepopulateCache(t *testing.T) {
	cache := newRecordingCache()
	svc, err := rating.NewService(memstore.New(), permStub{}, rating.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Cache:  cache,
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.AddRating(ctx, article, "alice", 4)
	require.NoError(t, err)
	read, err := svc.GetAggregate(ctx, article)
	require.NoError(t, err)
	stale := *read

	// A slow reader stores what it fetched before the change committed.
	_, err = svc.ChangeRating(ctx, article, "alice", 2)
	require.NoError(t, err)
	cache.Set(ctx, &stale)

	_, cached := cache.Get(ctx, article)
	assert.False(t, cached, "stale aggregate must not be served")
	avg, err := svc.AverageScore(ctx, article, 0)
	require.NoError(t, err)
	assert.Equal(t, 2.0, avg)

	// Purge fences above every version of the deleted aggregate.
	current, err := svc.GetAggregate(ctx, article)
	require.NoError(t, err)
	beforePurge := *current
	_, err = svc.PurgeResource(ctx, article)
	require.NoError(t, err)
	cache.Set(ctx, &beforePurge)

	_, err = svc.AddRating(ctx, article, "bob", 5)
	require.NoError(t, err)
	agg, err := svc.GetAggregate(ctx, article)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.Votes)
	assert.Equal(t, int64(5), agg.Total)
	avg, err = svc.AverageScore(ctx, article, 0)
	require.NoError(t, err)
	assert.Equal(t, 5.0, avg)
}

func TestRandomSequencesMatchRecompute(t *testing.T) {
	env := newTestEnv(t, nil)
	rnd := rand.New(rand.NewSource(7))
	reviewers := []string{"a", "b", "c", "d", "e", "f"}

	for i := 0; i < 300; i++ {
		reviewer := reviewers[rnd.Intn(len(reviewers))]
		score := 1 + rnd.Intn(5)
		_, exists, err := env.svc.FindRating(env.ctx, article, reviewer)
		require.NoError(t, err)

		switch op := rnd.Intn(3); {
		case !exists:
			_, err = env.svc.AddRating(env.ctx, article, reviewer, score)
		case op == 0:
			_, err = env.svc.ChangeRating(env.ctx, article, reviewer, score)
		default:
			err = env.svc.RemoveRating(env.ctx, article, reviewer)
		}
		require.NoError(t, err)

		before := *env.aggregate(t, article)
		drift, err := env.svc.RecomputeAggregate(env.ctx, article)
		require.NoError(t, err)
		require.False(t, drift.Drifted(), "step %d: %s", i, drift)

		after := env.aggregate(t, article)
		assert.Equal(t, before.Votes, after.Votes)
		assert.Equal(t, before.Total, after.Total)
	}
}

func TestAverageScoreOfRateable(t *testing.T) {
	agg := domain.NewAggregate(article)
	assert.Zero(t, rating.AverageScore(agg, 1))

	agg.SetVoteCount(3)
	agg.SetTotalScore(10)
	assert.Equal(t, 3.33, rating.AverageScore(agg, 2))
}
