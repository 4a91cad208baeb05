package rating

import (
	"fmt"

	"github.com/Clark-Hu/rateable/internal/domain"
)

// Drift compares a stored aggregate with the values derived from its ratings.
type Drift struct {
	Resource      domain.ResourceRef
	StoredVotes   int64
	StoredTotal   int64
	ExpectedVotes int64
	ExpectedTotal int64
}

// Drifted reports whether stored and expected values differ.
func (d Drift) Drifted() bool {
	return d.StoredVotes != d.ExpectedVotes || d.StoredTotal != d.ExpectedTotal
}

func (d Drift) String() string {
	return fmt.Sprintf("%s: stored votes=%d total=%d, expected votes=%d total=%d",
		d.Resource, d.StoredVotes, d.StoredTotal, d.ExpectedVotes, d.ExpectedTotal)
}

// AverageScore returns the rounded average of a rateable resource.
// See domain.AverageOf for the rounding rule.
func AverageScore(r domain.Rateable, precision int) float64 {
	return domain.AverageOf(r.TotalScore(), r.VoteCount(), precision)
}

func applyAdd(r domain.Rateable, score int) {
	r.SetVoteCount(r.VoteCount() + 1)
	r.SetTotalScore(r.TotalScore() + int64(score))
}

func applyChange(r domain.Rateable, oldScore, newScore int) {
	r.SetTotalScore(r.TotalScore() + int64(newScore-oldScore))
}

func applyRemove(r domain.Rateable, score int) {
	r.SetVoteCount(r.VoteCount() - 1)
	r.SetTotalScore(r.TotalScore() - int64(score))
}

// tally derives vote count and total from the raw ratings.
func tally(ratings []domain.Rating) (votes, total int64) {
	for _, rt := range ratings {
		votes++
		total += int64(rt.Score)
	}
	return votes, total
}

// measure compares r with the ratings keyed to it.
func measure(r domain.Rateable, ratings []domain.Rating) Drift {
	votes, total := tally(ratings)
	return Drift{
		Resource:      r.Ref(),
		StoredVotes:   r.VoteCount(),
		StoredTotal:   r.TotalScore(),
		ExpectedVotes: votes,
		ExpectedTotal: total,
	}
}

// overwrite replaces the aggregate with the derived values, ignoring what was
// stored before.
func overwrite(r domain.Rateable, d Drift) {
	r.SetVoteCount(d.ExpectedVotes)
	r.SetTotalScore(d.ExpectedTotal)
}
