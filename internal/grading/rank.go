package grading

import (
	"cmp"
	"slices"
	"time"

	"github.com/pavelanni/aiquiz/internal/model"
)

// Ranked is a student's best attempt with its leaderboard position.
type Ranked struct {
	Rank       int                     `json:"rank"`
	Attempt    model.IndividualAttempt `json:"attempt"`
	Percentage float64                 `json:"percentage"`
}

// RankAttempts picks each student's best completed attempt (highest score,
// then earliest completion) and orders them into 1-based ranks.
func RankAttempts(attempts []model.IndividualAttempt) []Ranked {
	best := make(map[int64]model.IndividualAttempt)
	for _, a := range attempts {
		if !a.Completed {
			continue
		}
		cur, ok := best[a.StudentID]
		if !ok || compareAttempts(a, cur) < 0 {
			best[a.StudentID] = a
		}
	}

	selected := make([]model.IndividualAttempt, 0, len(best))
	for _, a := range best {
		selected = append(selected, a)
	}
	slices.SortFunc(selected, compareAttempts)

	ranked := make([]Ranked, len(selected))
	for i, a := range selected {
		ranked[i] = Ranked{
			Rank:       i + 1,
			Attempt:    a,
			Percentage: Percentage(a.AutoScore, a.TotalPossible),
		}
	}
	return ranked
}

// compareAttempts orders better attempts first: higher score, then earlier
// completion, then lower ID so the order is total.
func compareAttempts(a, b model.IndividualAttempt) int {
	if c := cmp.Compare(b.AutoScore, a.AutoScore); c != 0 {
		return c
	}
	if c := compareFinished(a.FinishedAt, b.FinishedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// compareFinished sorts earlier times first and missing times last.
func compareFinished(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return a.Compare(*b)
}

// Standing summarizes all completed attempts of one student.
type Standing struct {
	StudentID         int64   `json:"student_id"`
	Attempts          int     `json:"attempts"`
	AveragePercentage float64 `json:"average_percentage"`
	BestPercentage    float64 `json:"best_percentage"`
}

// Standings averages each student's completed attempts and orders students
// by average, then best percentage, then ID.
func Standings(attempts []model.IndividualAttempt) []Standing {
	type acc struct {
		sum  float64
		n    int
		best float64
	}
	byStudent := make(map[int64]*acc)
	for _, a := range attempts {
		if !a.Completed {
			continue
		}
		p := Percentage(a.AutoScore, a.TotalPossible)
		s, ok := byStudent[a.StudentID]
		if !ok {
			s = &acc{}
			byStudent[a.StudentID] = s
		}
		s.sum += p
		s.n++
		s.best = max(s.best, p)
	}

	out := make([]Standing, 0, len(byStudent))
	for id, s := range byStudent {
		out = append(out, Standing{
			StudentID:         id,
			Attempts:          s.n,
			AveragePercentage: round2(s.sum / float64(s.n)),
			BestPercentage:    s.best,
		})
	}
	slices.SortFunc(out, func(a, b Standing) int {
		if c := cmp.Compare(b.AveragePercentage, a.AveragePercentage); c != 0 {
			return c
		}
		if c := cmp.Compare(b.BestPercentage, a.BestPercentage); c != 0 {
			return c
		}
		return cmp.Compare(a.StudentID, b.StudentID)
	})
	return out
}
