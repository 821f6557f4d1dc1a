package store

import (
	"fmt"

	"github.com/pavelanni/aiquiz/internal/model"
)

// ExportGroupTest builds export-ready results for every completed attempt of
// a group test.
func (s *Store) ExportGroupTest(groupTestID int64, promptVariant string) (model.GroupExport, error) {
	gt, err := s.GetGroupTest(groupTestID)
	if err != nil {
		return model.GroupExport{}, fmt.Errorf("get group test %d: %w", groupTestID, err)
	}
	test, err := s.GetTest(gt.TestID)
	if err != nil {
		return model.GroupExport{}, fmt.Errorf("get test %d: %w", gt.TestID, err)
	}
	questions, err := s.ListQuestions(gt.TestID)
	if err != nil {
		return model.GroupExport{}, fmt.Errorf("list questions: %w", err)
	}
	attempts, err := s.ListGroupAttempts(groupTestID, true)
	if err != nil {
		return model.GroupExport{}, fmt.Errorf("list attempts: %w", err)
	}

	export := model.GroupExport{
		GroupTestID:   gt.ID,
		GroupNumber:   gt.GroupNumber,
		TestTitle:     test.Title,
		PromptVariant: promptVariant,
		NumQuestions:  len(questions),
	}
	for _, a := range attempts {
		res, err := s.exportAttempt(a, questions)
		if err != nil {
			return model.GroupExport{}, fmt.Errorf("export attempt %d: %w", a.ID, err)
		}
		export.Attempts = append(export.Attempts, res)
	}
	return export, nil
}

// GroupAttemptResult builds the result view of a single group attempt.
func (s *Store) GroupAttemptResult(attemptID int64) (model.GroupAttemptResult, error) {
	a, err := s.GetGroupAttempt(attemptID)
	if err != nil {
		return model.GroupAttemptResult{}, err
	}
	gt, err := s.GetGroupTest(a.GroupTestID)
	if err != nil {
		return model.GroupAttemptResult{}, fmt.Errorf("get group test %d: %w", a.GroupTestID, err)
	}
	questions, err := s.ListQuestions(gt.TestID)
	if err != nil {
		return model.GroupAttemptResult{}, fmt.Errorf("list questions: %w", err)
	}
	return s.exportAttempt(a, questions)
}

func (s *Store) exportAttempt(a model.GroupAttempt, questions []model.Question) (model.GroupAttemptResult, error) {
	members, err := s.ListGroupMembers(a.ID)
	if err != nil {
		return model.GroupAttemptResult{}, err
	}
	answers, err := s.ListGroupAnswers(a.ID)
	if err != nil {
		return model.GroupAttemptResult{}, err
	}
	opinions, err := s.ListOpinions(a.ID)
	if err != nil {
		return model.GroupAttemptResult{}, err
	}

	ids := make([]int64, 0, len(members)+len(opinions))
	for _, m := range members {
		ids = append(ids, m.StudentID)
	}
	for _, o := range opinions {
		ids = append(ids, o.StudentID)
	}
	names, err := s.DisplayNames(ids)
	if err != nil {
		return model.GroupAttemptResult{}, err
	}

	res := model.GroupAttemptResult{
		AttemptID:            a.ID,
		Status:               a.Status,
		StartedAt:            a.StartedAt,
		FinishedAt:           a.FinishedAt,
		TimeTakenSeconds:     a.TimeTakenSeconds,
		GroupScorePercentage: a.GroupScorePercentage,
	}
	for _, m := range members {
		res.Members = append(res.Members, model.MemberResult{
			StudentID:                 m.StudentID,
			DisplayName:               names[m.StudentID],
			IndividualScorePercentage: m.IndividualScorePercentage,
			HasSubmittedAllOpinions:   m.HasSubmittedAllOpinions,
		})
	}

	byQuestion := make(map[int64]model.GroupAnswer, len(answers))
	for _, ans := range answers {
		byQuestion[ans.QuestionID] = ans
	}
	opinionsByQuestion := make(map[int64][]model.IndividualOpinion)
	for _, o := range opinions {
		opinionsByQuestion[o.QuestionID] = append(opinionsByQuestion[o.QuestionID], o)
	}

	for _, q := range questions {
		qr := model.GroupQuestionResult{
			Position:       q.Position + 1,
			Text:           q.Text,
			Type:           q.Type,
			Points:         q.Points,
			ExpectedAnswer: q.ExpectedAnswer(),
		}
		if ans, ok := byQuestion[q.ID]; ok {
			qr.GroupAnswer = ans.TextAnswer
			if q.Type.IsChoice() && ans.SelectedOption != nil {
				qr.GroupAnswer = q.OptionText(*ans.SelectedOption)
			}
			qr.IsCorrect = ans.IsCorrect
			qr.PointsEarned = ans.PointsEarned
			qr.Feedback = ans.Feedback
			qr.Graded = ans.GradedAt != nil
		}
		for _, o := range opinionsByQuestion[q.ID] {
			qr.Opinions = append(qr.Opinions, model.OpinionResult{
				StudentID:       o.StudentID,
				DisplayName:     names[o.StudentID],
				Text:            o.Text,
				ScorePercentage: o.ScorePercentage,
				Feedback:        o.Feedback,
				Graded:          o.GradedAt != nil,
			})
		}
		res.Questions = append(res.Questions, qr)
	}
	return res, nil
}
