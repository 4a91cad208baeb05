package domain

import (
	"errors"
	"testing"
)

func TestScoreBoundsContains(t *testing.T) {
	b := DefaultBounds()
	for s := b.Min; s <= b.Max; s++ {
		if !b.Contains(s) {
			t.Fatalf("Contains(%d) = false, want true", s)
		}
	}
	for _, s := range []int{-10, 0, 6, 100} {
		if b.Contains(s) {
			t.Fatalf("Contains(%d) = true, want false", s)
		}
	}
}

func TestScoreBoundsCheck(t *testing.T) {
	b := ScoreBounds{Min: 1, Max: 10}
	if err := b.Check(10); err != nil {
		t.Fatalf("Check(10) unexpected error: %v", err)
	}

	err := b.Check(11)
	if !errors.Is(err, ErrInvalidScore) {
		t.Fatalf("Check(11) error = %v, want ErrInvalidScore", err)
	}
	var scoreErr *ScoreError
	if !errors.As(err, &scoreErr) {
		t.Fatalf("Check(11) error is not *ScoreError: %T", err)
	}
	if scoreErr.Min != 1 || scoreErr.Max != 10 {
		t.Fatalf("ScoreError bounds = [%d,%d], want [1,10]", scoreErr.Min, scoreErr.Max)
	}
	if scoreErr.Error() != "rating: score 11 must be between 1 and 10" {
		t.Fatalf("unexpected message %q", scoreErr.Error())
	}
}

func TestScoreBoundsValidate(t *testing.T) {
	if err := (ScoreBounds{Min: 5, Max: 1}).Validate(); err == nil {
		t.Fatalf("expected error for inverted bounds")
	}
	if err := (ScoreBounds{Min: 3, Max: 3}).Validate(); err != nil {
		t.Fatalf("single-value bounds should be valid: %v", err)
	}
}

func TestAverageOf(t *testing.T) {
	tests := []struct {
		name      string
		total     int64
		votes     int64
		precision int
		want      float64
	}{
		{"no votes", 10, 0, 2, 0},
		{"exact", 8, 2, 0, 4},
		{"half rounds up", 5, 2, 0, 3},
		{"half rounds away from zero", -5, 2, 0, -3},
		{"one decimal", 4, 2, 1, 2.0},
		{"thirds", 7, 3, 2, 2.33},
		{"two thirds", 2, 3, 1, 0.7},
		{"below half", 9, 4, 0, 2},
		{"precision half at second digit", 1, 8, 2, 0.13},
		{"negative precision clamps", 7, 3, -2, 2},
		{"huge precision clamps", 1, 3, 40, 0.333333333},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AverageOf(tt.total, tt.votes, tt.precision)
			if got != tt.want {
				t.Fatalf("AverageOf(%d, %d, %d) = %v, want %v", tt.total, tt.votes, tt.precision, got, tt.want)
			}
		})
	}
}

func TestResourceRefValidate(t *testing.T) {
	if err := (ResourceRef{Kind: "article", ID: "1"}).Validate(); err != nil {
		t.Fatalf("valid ref rejected: %v", err)
	}
	if err := (ResourceRef{Kind: " ", ID: "1"}).Validate(); err == nil {
		t.Fatalf("blank kind accepted")
	}
	if err := (ResourceRef{Kind: "article"}).Validate(); err == nil {
		t.Fatalf("missing id accepted")
	}
	if got := (ResourceRef{Kind: "article", ID: "42"}).String(); got != "article/42" {
		t.Fatalf("String() = %q", got)
	}
}
