package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned when the reviewer may not perform the action.
	ErrPermissionDenied = errors.New("rating: permission denied")
	// ErrInvalidScore is returned when a score falls outside the configured bounds.
	ErrInvalidScore = errors.New("rating: invalid score")
	// ErrAlreadyRated is returned when the reviewer already rated the resource.
	ErrAlreadyRated = errors.New("rating: resource already rated by reviewer")
	// ErrNotFound is returned when no rating exists for the resource/reviewer pair.
	ErrNotFound = errors.New("rating: not found")
	// ErrInvalidArgument is returned for malformed resource or reviewer identifiers.
	ErrInvalidArgument = errors.New("rating: invalid argument")
	// ErrConflict signals a concurrent modification detected by the store.
	ErrConflict = errors.New("rating: concurrent modification")
)

// Action names a permission-gated rating operation.
type Action string

const (
	ActionAdd    Action = "add"
	ActionChange Action = "change"
	ActionRemove Action = "remove"
)

// ScoreError describes a score outside [Min, Max].
type ScoreError struct {
	Score int
	Min   int
	Max   int
}

func (e *ScoreError) Error() string {
	return fmt.Sprintf("rating: score %d must be between %d and %d", e.Score, e.Min, e.Max)
}

func (e *ScoreError) Is(target error) bool {
	return target == ErrInvalidScore
}

// PermissionError describes a denied action.
type PermissionError struct {
	Action   Action
	Reviewer string
	Resource ResourceRef
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("rating: reviewer %q may not %s a rating for %s", e.Reviewer, e.Action, e.Resource)
}

func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}
