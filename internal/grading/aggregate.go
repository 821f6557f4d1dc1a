package grading

import (
	"slices"

	"github.com/pavelanni/aiquiz/internal/model"
)

// AnswerScore is the graded state of one group answer.
type AnswerScore struct {
	QuestionID   int64
	PointsEarned int
	Points       int
	IsCorrect    bool
}

// Percent is 100 for a correct answer and otherwise the share of the
// question's points the answer earned.
func (a AnswerScore) Percent() float64 {
	if a.IsCorrect {
		return 100
	}
	if a.Points <= 0 {
		return 0
	}
	return model.ClampPercent(float64(a.PointsEarned) / float64(a.Points) * 100)
}

// OpinionScore is the graded state of one opinion.
type OpinionScore struct {
	StudentID int64
	Score     float64
}

// Aggregation holds the final percentages of a group attempt.
type Aggregation struct {
	GroupScore   float64
	MemberScores map[int64]float64
}

// Aggregate averages answer percentages into the group score and opinion
// scores into per-member scores. Members without opinions score 0, as does a
// group without answers. The result does not depend on input order.
func Aggregate(answers []AnswerScore, opinions []OpinionScore, members []int64) Aggregation {
	perAnswer := make([]float64, 0, len(answers))
	for _, a := range answers {
		perAnswer = append(perAnswer, a.Percent())
	}

	byMember := make(map[int64][]float64, len(members))
	for _, id := range members {
		byMember[id] = nil
	}
	for _, o := range opinions {
		if _, ok := byMember[o.StudentID]; !ok {
			continue
		}
		byMember[o.StudentID] = append(byMember[o.StudentID], model.ClampPercent(o.Score))
	}

	agg := Aggregation{
		GroupScore:   mean(perAnswer),
		MemberScores: make(map[int64]float64, len(byMember)),
	}
	for id, scores := range byMember {
		agg.MemberScores[id] = mean(scores)
	}
	return agg
}

// mean sorts before summing so float rounding is independent of order.
func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return model.ClampPercent(round2(sum / float64(len(sorted))))
}
