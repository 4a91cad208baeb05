// Package memstore is an in-process implementation of rating.Store. It keeps
// the same guarantees as the PostgreSQL repository: one rating per
// (resource, reviewer), version-checked aggregates and all-or-nothing
// transactions. Transactions are serialised by a single mutex and must not be
// nested.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Clark-Hu/rateable/internal/domain"
	"github.com/Clark-Hu/rateable/internal/rating"
)

// Store keeps ratings and aggregates in memory.
type Store struct {
	mu         sync.Mutex
	ratings    map[string]domain.Rating
	byKey      map[domain.RatingKey]string
	byResource map[domain.ResourceRef]map[string]struct{}
	aggregates map[domain.ResourceRef]domain.Aggregate
	now        func() time.Time
}

var _ rating.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		ratings:    make(map[string]domain.Rating),
		byKey:      make(map[domain.RatingKey]string),
		byResource: make(map[domain.ResourceRef]map[string]struct{}),
		aggregates: make(map[domain.ResourceRef]domain.Aggregate),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithinTx runs fn while holding the store lock and undoes every write fn
// made when it returns an error or panics. A panic is re-raised after the
// rollback.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx rating.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{s: s}
	defer func() {
		if p := recover(); p != nil {
			t.rollback()
			panic(p)
		}
	}()

	if err = fn(ctx, t); err != nil {
		t.rollback()
		return err
	}
	return nil
}

func (s *Store) FindRating(ctx context.Context, key domain.RatingKey) (domain.Rating, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findRating(key)
}

func (s *Store) FindRatingsForResource(ctx context.Context, resource domain.ResourceRef) ([]domain.Rating, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findRatingsForResource(resource), nil
}

func (s *Store) GetAggregate(ctx context.Context, resource domain.ResourceRef) (*domain.Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAggregate(resource), nil
}

// ListResources returns every resource with ratings or an aggregate, ordered
// by kind then id.
func (s *Store) ListResources(ctx context.Context) ([]domain.ResourceRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[domain.ResourceRef]struct{}, len(s.aggregates)+len(s.byResource))
	for ref := range s.aggregates {
		seen[ref] = struct{}{}
	}
	for ref, ids := range s.byResource {
		if len(ids) > 0 {
			seen[ref] = struct{}{}
		}
	}

	out := make([]domain.ResourceRef, 0, len(seen))
	for ref := range seen {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SeedRating stores r without touching any aggregate, the way a bulk import
// would. A missing id is generated.
func (s *Store) SeedRating(r domain.Rating) domain.Rating {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.putRating(r)
	return r
}

// SeedAggregate overwrites the stored aggregate verbatim.
func (s *Store) SeedAggregate(agg domain.Aggregate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggregates[agg.Resource] = agg
}

func (s *Store) findRating(key domain.RatingKey) (domain.Rating, error) {
	id, ok := s.byKey[key]
	if !ok {
		return domain.Rating{}, domain.ErrNotFound
	}
	return s.ratings[id], nil
}

func (s *Store) findRatingsForResource(resource domain.ResourceRef) []domain.Rating {
	ids := s.byResource[resource]
	out := make([]domain.Rating, 0, len(ids))
	for id := range ids {
		out = append(out, s.ratings[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) getAggregate(resource domain.ResourceRef) *domain.Aggregate {
	if agg, ok := s.aggregates[resource]; ok {
		return &agg
	}
	return domain.NewAggregate(resource)
}

func (s *Store) putRating(r domain.Rating) {
	s.ratings[r.ID] = r
	s.byKey[r.Key()] = r.ID
	ids := s.byResource[r.Resource]
	if ids == nil {
		ids = make(map[string]struct{})
		s.byResource[r.Resource] = ids
	}
	ids[r.ID] = struct{}{}
}

func (s *Store) dropRating(r domain.Rating) {
	delete(s.ratings, r.ID)
	delete(s.byKey, r.Key())
	if ids := s.byResource[r.Resource]; ids != nil {
		delete(ids, r.ID)
		if len(ids) == 0 {
			delete(s.byResource, r.Resource)
		}
	}
}
