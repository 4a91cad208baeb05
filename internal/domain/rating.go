package domain

import (
	"fmt"
	"strings"
	"time"
)

// ResourceRef identifies a rated resource. Kind disambiguates resource types
// that share identifiers.
type ResourceRef struct {
	Kind string
	ID   string
}

// String renders the reference as "kind/id".
func (r ResourceRef) String() string {
	return r.Kind + "/" + r.ID
}

// Validate reports whether both parts of the reference are present.
func (r ResourceRef) Validate() error {
	if strings.TrimSpace(r.Kind) == "" {
		return fmt.Errorf("resource kind is required")
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("resource id is required")
	}
	return nil
}

// RatingKey is the uniqueness key of a rating.
type RatingKey struct {
	Resource   ResourceRef
	ReviewerID string
}

// Rating represents a single reviewer's score for a resource.
type Rating struct {
	ID         string
	Resource   ResourceRef
	ReviewerID string
	Score      int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Key returns the composite uniqueness key of the rating.
func (r Rating) Key() RatingKey {
	return RatingKey{Resource: r.Resource, ReviewerID: r.ReviewerID}
}

// Rateable is the capability a resource exposes so its cached vote count and
// total score can be maintained.
type Rateable interface {
	Ref() ResourceRef
	VoteCount() int64
	SetVoteCount(n int64)
	TotalScore() int64
	SetTotalScore(n int64)
}

// Aggregate is the stored vote count and score total of one resource.
// Version is bumped by the store on every successful save.
type Aggregate struct {
	Resource  ResourceRef
	Votes     int64
	Total     int64
	Version   int64
	UpdatedAt time.Time
}

var _ Rateable = (*Aggregate)(nil)

// NewAggregate returns an empty, never persisted aggregate for resource.
func NewAggregate(resource ResourceRef) *Aggregate {
	return &Aggregate{Resource: resource}
}

func (a *Aggregate) Ref() ResourceRef      { return a.Resource }
func (a *Aggregate) VoteCount() int64      { return a.Votes }
func (a *Aggregate) SetVoteCount(n int64)  { a.Votes = n }
func (a *Aggregate) TotalScore() int64     { return a.Total }
func (a *Aggregate) SetTotalScore(n int64) { a.Total = n }

// Persisted reports whether the aggregate has been saved at least once.
func (a *Aggregate) Persisted() bool {
	return a.Version > 0
}
