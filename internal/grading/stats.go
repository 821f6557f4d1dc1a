package grading

import (
	"cmp"
	"math"
	"slices"

	"github.com/pavelanni/aiquiz/internal/model"
)

// PassPercentage is the minimum best-attempt percentage that counts as a pass.
const PassPercentage = 60.0

// Summary describes the results of a test across students.
type Summary struct {
	TotalStudents     int     `json:"total_students"`
	AveragePercentage float64 `json:"avg_percentage"`
	HighestPercentage float64 `json:"highest_percentage"`
	Passed            int     `json:"passed"`
	PassRate          float64 `json:"pass_rate"`
	TerminatedCount   int     `json:"terminated_count"`
}

// Summarize computes test statistics over each student's best completed
// attempt. Terminated attempts are counted across all completed attempts.
func Summarize(attempts []model.IndividualAttempt) Summary {
	var s Summary
	for _, a := range attempts {
		if a.Completed && a.Terminated {
			s.TerminatedCount++
		}
	}
	ranked := RankAttempts(attempts)
	s.TotalStudents = len(ranked)
	if s.TotalStudents == 0 {
		return s
	}

	var sum float64
	for _, r := range ranked {
		sum += r.Percentage
		s.HighestPercentage = max(s.HighestPercentage, r.Percentage)
		if r.Percentage >= PassPercentage {
			s.Passed++
		}
	}
	s.AveragePercentage = round1(sum / float64(s.TotalStudents))
	s.HighestPercentage = round1(s.HighestPercentage)
	s.PassRate = round1(float64(s.Passed) / float64(s.TotalStudents) * 100)
	return s
}

// QuestionStat is the share of correct answers to one question.
type QuestionStat struct {
	QuestionID     int64   `json:"question_id"`
	Number         int     `json:"number"`
	Text           string  `json:"text"`
	Answered       int     `json:"answered"`
	CorrectPercent float64 `json:"correct_percent"`
}

// Difficulty holds the hardest and easiest questions of a test.
type Difficulty struct {
	Hardest []QuestionStat `json:"hardest"`
	Easiest []QuestionStat `json:"easiest"`
}

// QuestionDifficulty ranks questions by correct rate over all given answers.
// Unanswered questions are left out. It returns nil when nothing was answered.
func QuestionDifficulty(questions []model.Question, answers []model.IndividualAnswer, n int) *Difficulty {
	type tally struct{ correct, total int }
	counts := make(map[int64]*tally)
	for _, a := range answers {
		t, ok := counts[a.QuestionID]
		if !ok {
			t = &tally{}
			counts[a.QuestionID] = t
		}
		t.total++
		if a.IsCorrect {
			t.correct++
		}
	}

	var stats []QuestionStat
	for _, q := range questions {
		t, ok := counts[q.ID]
		if !ok || t.total == 0 {
			continue
		}
		stats = append(stats, QuestionStat{
			QuestionID:     q.ID,
			Number:         q.Position + 1,
			Text:           q.Text,
			Answered:       t.total,
			CorrectPercent: round1(float64(t.correct) / float64(t.total) * 100),
		})
	}
	if len(stats) == 0 {
		return nil
	}
	slices.SortStableFunc(stats, func(a, b QuestionStat) int {
		return cmp.Compare(a.CorrectPercent, b.CorrectPercent)
	})

	k := min(n, len(stats))
	d := &Difficulty{Hardest: slices.Clone(stats[:k])}
	easiest := slices.Clone(stats[len(stats)-k:])
	slices.Reverse(easiest)
	d.Easiest = easiest
	return d
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
