package memstore

import (
	"context"

	"github.com/google/uuid"

	"github.com/Clark-Hu/rateable/internal/domain"
)

// tx applies writes directly to the store and records how to revert them.
type tx struct {
	s    *Store
	undo []func()
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) FindRating(ctx context.Context, key domain.RatingKey) (domain.Rating, error) {
	return t.s.findRating(key)
}

func (t *tx) FindRatingsForResource(ctx context.Context, resource domain.ResourceRef) ([]domain.Rating, error) {
	return t.s.findRatingsForResource(resource), nil
}

func (t *tx) GetAggregate(ctx context.Context, resource domain.ResourceRef) (*domain.Aggregate, error) {
	return t.s.getAggregate(resource), nil
}

// LockAggregate needs no extra locking: the store lock is held for the whole transaction.
func (t *tx) LockAggregate(ctx context.Context, resource domain.ResourceRef) (*domain.Aggregate, error) {
	return t.s.getAggregate(resource), nil
}

func (t *tx) SaveAggregate(ctx context.Context, agg *domain.Aggregate) error {
	prev, existed := t.s.aggregates[agg.Resource]
	switch {
	case existed && prev.Version != agg.Version:
		return domain.ErrConflict
	case !existed && agg.Version != 0:
		return domain.ErrConflict
	}

	agg.Version++
	agg.UpdatedAt = t.s.now()
	t.s.aggregates[agg.Resource] = *agg

	t.undo = append(t.undo, func() {
		if existed {
			t.s.aggregates[agg.Resource] = prev
		} else {
			delete(t.s.aggregates, agg.Resource)
		}
	})
	return nil
}

func (t *tx) DeleteAggregate(ctx context.Context, resource domain.ResourceRef) error {
	prev, existed := t.s.aggregates[resource]
	if !existed {
		return nil
	}
	delete(t.s.aggregates, resource)
	t.undo = append(t.undo, func() { t.s.aggregates[resource] = prev })
	return nil
}

func (t *tx) InsertRating(ctx context.Context, r domain.Rating) (domain.Rating, error) {
	if _, exists := t.s.byKey[r.Key()]; exists {
		return domain.Rating{}, domain.ErrAlreadyRated
	}
	r.ID = uuid.NewString()
	t.s.putRating(r)
	t.undo = append(t.undo, func() { t.s.dropRating(r) })
	return r, nil
}

func (t *tx) UpdateRating(ctx context.Context, r domain.Rating) error {
	prev, ok := t.s.ratings[r.ID]
	if !ok {
		return domain.ErrNotFound
	}
	// Identity fields are immutable.
	next := prev
	next.Score = r.Score
	next.UpdatedAt = r.UpdatedAt
	t.s.ratings[r.ID] = next
	t.undo = append(t.undo, func() { t.s.ratings[r.ID] = prev })
	return nil
}

func (t *tx) DeleteRating(ctx context.Context, id string) error {
	prev, ok := t.s.ratings[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.s.dropRating(prev)
	t.undo = append(t.undo, func() { t.s.putRating(prev) })
	return nil
}
