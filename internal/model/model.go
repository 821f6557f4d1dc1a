package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleTeacher is a teacher user role.
	UserRoleTeacher UserRole = "teacher"
)

// User represents a system user. DisplayName is what the grading model sees.
type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Role        UserRole  `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

// QuestionType is the tagged variant the graders dispatch on.
type QuestionType string

const (
	QuestionMCQ       QuestionType = "mcq"
	QuestionTrueFalse QuestionType = "truefalse"
	QuestionText      QuestionType = "text"
)

// IsChoice reports whether answers are graded against a correct option index.
func (t QuestionType) IsChoice() bool {
	return t == QuestionMCQ || t == QuestionTrueFalse
}

// Valid reports whether t is a known question type.
func (t QuestionType) Valid() bool {
	return t.IsChoice() || t == QuestionText
}

// CreationMethod records how a test was authored.
type CreationMethod string

const (
	CreatedByAI     CreationMethod = "ai"
	CreatedManually CreationMethod = "manual"
)

// Difficulty represents test difficulty level.
type Difficulty string

const (
	DifficultyEasy         Difficulty = "easy"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyHard         Difficulty = "hard"
)

// Test is a set of questions authored by a teacher.
type Test struct {
	ID             int64          `json:"id"`
	TeacherID      int64          `json:"teacher_id"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	CreationMethod CreationMethod `json:"creation_method"`
	TeacherPrompt  string         `json:"teacher_prompt"`
	LLMResponse    string         `json:"llm_response,omitempty"`
	Difficulty     Difficulty     `json:"difficulty"`
	Topic          string         `json:"topic"`
	TimerMinutes   *int           `json:"timer_minutes,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Question belongs to exactly one test. For text questions Options holds a
// single element: the expected answer.
type Question struct {
	ID            int64        `json:"id"`
	TestID        int64        `json:"test_id"`
	Text          string       `json:"text"`
	Type          QuestionType `json:"type"`
	Options       []string     `json:"options"`
	CorrectOption int          `json:"correct_option"`
	Points        int          `json:"points"`
	Position      int          `json:"position"`
}

// Validate checks the structural invariants of a question.
func (q Question) Validate() error {
	if q.Points <= 0 {
		return fmt.Errorf("question points must be positive, got %d", q.Points)
	}
	switch {
	case q.Type.IsChoice():
		if len(q.Options) < 2 {
			return fmt.Errorf("choice question needs at least 2 options, got %d", len(q.Options))
		}
		if q.CorrectOption < 0 || q.CorrectOption >= len(q.Options) {
			return fmt.Errorf("correct option %d out of range [0, %d)", q.CorrectOption, len(q.Options))
		}
	case q.Type == QuestionText:
		if len(q.Options) != 1 {
			return fmt.Errorf("text question needs exactly 1 expected answer, got %d", len(q.Options))
		}
	default:
		return fmt.Errorf("unknown question type %q", q.Type)
	}
	return nil
}

// ExpectedAnswer returns the text of the correct answer.
func (q Question) ExpectedAnswer() string {
	if q.Type == QuestionText {
		if len(q.Options) == 0 {
			return ""
		}
		return q.Options[0]
	}
	if q.CorrectOption >= 0 && q.CorrectOption < len(q.Options) {
		return q.Options[q.CorrectOption]
	}
	return ""
}

// OptionText returns the text of option i, or "" when i is out of range.
func (q Question) OptionText(i int) string {
	if i < 0 || i >= len(q.Options) {
		return ""
	}
	return q.Options[i]
}

// Assignment is a published, shareable instance of a test.
type Assignment struct {
	ID                     int64      `json:"id"`
	TestID                 int64      `json:"test_id"`
	AccessToken            string     `json:"access_token"`
	OpensAt                *time.Time `json:"opens_at,omitempty"`
	ClosesAt               *time.Time `json:"closes_at,omitempty"`
	AllowRetakes           bool       `json:"allow_retakes"`
	MaxAttempts            int        `json:"max_attempts"` // 0 means unlimited
	ShowResultsImmediately bool       `json:"show_results_immediately"`
	ShowCorrectAnswers     bool       `json:"show_correct_answers"`
	Active                 bool       `json:"active"`
	CreatedAt              time.Time  `json:"created_at"`
}

// IsOpen reports whether the assignment accepts attempts at time now.
func (a Assignment) IsOpen(now time.Time) bool {
	if !a.Active {
		return false
	}
	if a.OpensAt != nil && now.Before(*a.OpensAt) {
		return false
	}
	if a.ClosesAt != nil && now.After(*a.ClosesAt) {
		return false
	}
	return true
}

var (
	// ErrRetakesDisabled is returned when a student already attempted an
	// assignment that does not allow retakes.
	ErrRetakesDisabled = errors.New("retakes are not allowed for this assignment")
	// ErrAttemptLimit is returned when the attempt limit is reached.
	ErrAttemptLimit = errors.New("maximum number of attempts reached")
)

// AttemptAllowed checks the retake policy given the number of attempts a
// student has already made.
func (a Assignment) AttemptAllowed(existing int) error {
	if existing == 0 {
		return nil
	}
	if !a.AllowRetakes {
		return ErrRetakesDisabled
	}
	if a.MaxAttempts > 0 && existing >= a.MaxAttempts {
		return ErrAttemptLimit
	}
	return nil
}

// IndividualAttempt is one student's attempt at one assignment.
type IndividualAttempt struct {
	ID                int64      `json:"id"`
	AssignmentID      int64      `json:"assignment_id"`
	StudentID         int64      `json:"student_id"`
	AttemptNumber     int        `json:"attempt_number"`
	AutoScore         int        `json:"auto_score"`
	TotalPossible     int        `json:"total_possible"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	Completed         bool       `json:"completed"`
	Terminated        bool       `json:"terminated"`
	TerminationReason string     `json:"termination_reason,omitempty"`
	TerminatedAt      *time.Time `json:"terminated_at,omitempty"`
	QuestionsAnswered int        `json:"questions_answered"`
	TimeTakenSeconds  *int       `json:"time_taken_seconds,omitempty"`
}

// IndividualAnswer is one student's answer to one question within an attempt.
type IndividualAnswer struct {
	ID             int64     `json:"id"`
	AttemptID      int64     `json:"attempt_id"`
	QuestionID     int64     `json:"question_id"`
	SelectedOption *int      `json:"selected_option,omitempty"`
	TextAnswer     string    `json:"text_answer,omitempty"`
	IsCorrect      bool      `json:"is_correct"`
	PointsEarned   int       `json:"points_earned"`
	AnsweredAt     time.Time `json:"answered_at"`
}

// GroupTest binds a test to a fixed group slot.
type GroupTest struct {
	ID           int64     `json:"id"`
	GroupNumber  int       `json:"group_number"`
	TestID       int64     `json:"test_id"`
	TeacherID    int64     `json:"teacher_id"`
	AccessToken  string    `json:"access_token"`
	TimerMinutes int       `json:"timer_minutes"`
	MaxGroupSize int       `json:"max_group_size"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// GroupStatus represents the lifecycle of a group attempt.
type GroupStatus string

const (
	GroupNotStarted GroupStatus = "not_started"
	GroupStarted    GroupStatus = "started"
	GroupGrading    GroupStatus = "grading"
	GroupCompleted  GroupStatus = "completed"
)

// GroupAttempt is one collaborative session against a group test.
type GroupAttempt struct {
	ID                   int64       `json:"id"`
	GroupTestID          int64       `json:"group_test_id"`
	Status               GroupStatus `json:"status"`
	GroupScorePercentage float64     `json:"group_score_percentage"`
	TotalPossible        int         `json:"total_possible"`
	StartedAt            *time.Time  `json:"started_at,omitempty"`
	FinishedAt           *time.Time  `json:"finished_at,omitempty"`
	TimeTakenSeconds     *int        `json:"time_taken_seconds,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
}

// GroupMember is a student's membership in a group attempt.
type GroupMember struct {
	ID                        int64     `json:"id"`
	GroupAttemptID            int64     `json:"group_attempt_id"`
	StudentID                 int64     `json:"student_id"`
	IndividualScorePercentage float64   `json:"individual_score_percentage"`
	HasSubmittedAllOpinions   bool      `json:"has_submitted_all_opinions"`
	JoinedAt                  time.Time `json:"joined_at"`
}

// IndividualOpinion is one member's reasoning for one question. GradedAt is
// nil until the orchestrator has processed the question.
type IndividualOpinion struct {
	ID              int64      `json:"id"`
	GroupAttemptID  int64      `json:"group_attempt_id"`
	QuestionID      int64      `json:"question_id"`
	StudentID       int64      `json:"student_id"`
	Text            string     `json:"text"`
	ScorePercentage float64    `json:"score_percentage"`
	Feedback        string     `json:"feedback"`
	GradedAt        *time.Time `json:"graded_at,omitempty"`
	SubmittedAt     time.Time  `json:"submitted_at"`
}

// GroupAnswer is the group's single submitted answer to a question.
type GroupAnswer struct {
	ID             int64      `json:"id"`
	GroupAttemptID int64      `json:"group_attempt_id"`
	QuestionID     int64      `json:"question_id"`
	SelectedOption *int       `json:"selected_option,omitempty"`
	TextAnswer     string     `json:"text_answer,omitempty"`
	SubmittedBy    int64      `json:"submitted_by"`
	IsCorrect      bool       `json:"is_correct"`
	PointsEarned   int        `json:"points_earned"`
	Feedback       string     `json:"feedback"`
	GradedAt       *time.Time `json:"graded_at,omitempty"`
	AnsweredAt     time.Time  `json:"answered_at"`
}

// ClampPercent clamps p into [0, 100].
func ClampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Config holds runtime grading parameters set via CLI flags.
type Config struct {
	PromptVariant   string        // Grading prompt variant (strict, standard, lenient)
	Temperature     float32       // Sampling temperature for grading calls
	MaxOutputTokens int           // Upper bound on grading response length
	CallTimeout     time.Duration // Per model call timeout
	Lang            string        // Default language for feedback text
}

// QuestionImport is used for loading tests from JSON.
type QuestionImport struct {
	Text          string       `json:"question_text"`
	Type          QuestionType `json:"question_type"`
	Options       []string     `json:"options"`
	CorrectOption int          `json:"correct_option"`
	Points        int          `json:"points"`
}

// TestImport is one test in an import file.
type TestImport struct {
	Title        string           `json:"title"`
	Description  string           `json:"description"`
	Topic        string           `json:"topic"`
	Difficulty   Difficulty       `json:"difficulty"`
	TimerMinutes *int             `json:"timer_minutes,omitempty"`
	Questions    []QuestionImport `json:"questions"`
}

// ToTest converts an imported test for the given teacher.
func (t TestImport) ToTest(teacherID int64) Test {
	return Test{
		TeacherID:      teacherID,
		Title:          t.Title,
		Description:    t.Description,
		CreationMethod: CreatedManually,
		Difficulty:     t.Difficulty,
		Topic:          t.Topic,
		TimerMinutes:   t.TimerMinutes,
	}
}

// ToQuestions converts the imported questions. The type defaults to mcq and
// points to 1.
func (t TestImport) ToQuestions() []Question {
	qs := make([]Question, 0, len(t.Questions))
	for _, qi := range t.Questions {
		q := Question{
			Text:          qi.Text,
			Type:          qi.Type,
			Options:       qi.Options,
			CorrectOption: qi.CorrectOption,
			Points:        qi.Points,
		}
		if q.Type == "" {
			q.Type = QuestionMCQ
		}
		if q.Points == 0 {
			q.Points = 1
		}
		qs = append(qs, q)
	}
	return qs
}

type userCtxKey struct{}

// ContextWithUser stores the acting user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the acting user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}
