package model

import "time"

// GroupExport is the top-level JSON structure for group result export.
type GroupExport struct {
	GroupTestID   int64                `json:"group_test_id"`
	GroupNumber   int                  `json:"group_number"`
	TestTitle     string               `json:"test_title"`
	PromptVariant string               `json:"prompt_variant"`
	NumQuestions  int                  `json:"num_questions"`
	Attempts      []GroupAttemptResult `json:"attempts"`
}

// GroupAttemptResult holds one completed group attempt for export.
type GroupAttemptResult struct {
	AttemptID            int64                 `json:"attempt_id"`
	Status               GroupStatus           `json:"status"`
	StartedAt            *time.Time            `json:"started_at,omitempty"`
	FinishedAt           *time.Time            `json:"finished_at,omitempty"`
	TimeTakenSeconds     *int                  `json:"time_taken_seconds,omitempty"`
	GroupScorePercentage float64               `json:"group_score_percentage"`
	Members              []MemberResult        `json:"members"`
	Questions            []GroupQuestionResult `json:"questions"`
}

// MemberResult holds a member's aggregate score.
type MemberResult struct {
	StudentID                 int64   `json:"student_id"`
	DisplayName               string  `json:"display_name"`
	IndividualScorePercentage float64 `json:"individual_score_percentage"`
	HasSubmittedAllOpinions   bool    `json:"has_submitted_all_opinions"`
}

// GroupQuestionResult holds per-question data for export.
type GroupQuestionResult struct {
	Position       int             `json:"position"`
	Text           string          `json:"text"`
	Type           QuestionType    `json:"type"`
	Points         int             `json:"points"`
	ExpectedAnswer string          `json:"expected_answer"`
	GroupAnswer    string          `json:"group_answer,omitempty"`
	IsCorrect      bool            `json:"is_correct"`
	PointsEarned   int             `json:"points_earned"`
	Feedback       string          `json:"feedback,omitempty"`
	Graded         bool            `json:"graded"`
	Opinions       []OpinionResult `json:"opinions"`
}

// OpinionResult is a single exported opinion.
type OpinionResult struct {
	StudentID       int64   `json:"student_id"`
	DisplayName     string  `json:"display_name"`
	Text            string  `json:"text"`
	ScorePercentage float64 `json:"score_percentage"`
	Feedback        string  `json:"feedback"`
	Graded          bool    `json:"graded"`
}
