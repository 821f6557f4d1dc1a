package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pavelanni/aiquiz/internal/model"
)

var fenceRegex = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*\\n?(.*?)\\s*```$")

// StripCodeFences removes a surrounding ```json ... ``` wrapper and whitespace.
func StripCodeFences(raw string) string {
	s := strings.TrimSpace(raw)
	if m := fenceRegex.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

// Validator is implemented by every response schema.
type Validator interface {
	Validate() error
}

// Decode parses raw model text into T and validates it. Any failure is a
// *MalformedResponseError carrying the raw text.
func Decode[T any, PT interface {
	*T
	Validator
}](raw string) (T, error) {
	var v T
	text := StripCodeFences(raw)
	if text == "" {
		return v, &MalformedResponseError{Raw: raw, Reason: "empty response"}
	}
	if !strings.HasPrefix(text, "{") {
		return v, &MalformedResponseError{Raw: raw, Reason: "response is not a JSON object"}
	}
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return v, &MalformedResponseError{Raw: raw, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := PT(&v).Validate(); err != nil {
		return v, &MalformedResponseError{Raw: raw, Reason: err.Error()}
	}
	return v, nil
}

// StudentScore is the model's verdict on one member's opinion.
type StudentScore struct {
	StudentName *string  `json:"student_name"`
	Score       *float64 `json:"score"`
	Feedback    *string  `json:"feedback"`
}

// GroupGradeResponse is the expected answer to a group grading prompt.
// Scores outside [0, 100] are clamped by Validate; missing fields are errors.
type GroupGradeResponse struct {
	GroupScore    *float64       `json:"group_score"`
	GroupFeedback *string        `json:"group_feedback"`
	Individual    []StudentScore `json:"individual_scores"`
}

func (r *GroupGradeResponse) Validate() error {
	if r.GroupScore == nil {
		return fmt.Errorf("missing group_score")
	}
	if r.GroupFeedback == nil {
		return fmt.Errorf("missing group_feedback")
	}
	if r.Individual == nil {
		return fmt.Errorf("missing individual_scores")
	}
	*r.GroupScore = model.ClampPercent(*r.GroupScore)
	for i := range r.Individual {
		s := &r.Individual[i]
		switch {
		case s.StudentName == nil:
			return fmt.Errorf("individual_scores[%d]: missing student_name", i)
		case s.Score == nil:
			return fmt.Errorf("individual_scores[%d]: missing score", i)
		case s.Feedback == nil:
			return fmt.Errorf("individual_scores[%d]: missing feedback", i)
		}
		*s.Score = model.ClampPercent(*s.Score)
	}
	return nil
}

// Languages accepted for generated tests.
var Languages = []string{"english", "uzbek", "russian"}

// ConfirmedParams is the confirmation model's reading of a teacher request.
type ConfirmedParams struct {
	Topic         string           `json:"topic"`
	QuestionCount int              `json:"question_count"`
	Difficulty    model.Difficulty `json:"difficulty"`
	Language      string           `json:"language"`
	Description   string           `json:"description"`
}

func (p *ConfirmedParams) Validate() error {
	if strings.TrimSpace(p.Topic) == "" {
		return fmt.Errorf("missing topic")
	}
	if p.QuestionCount < 1 || p.QuestionCount > 50 {
		return fmt.Errorf("question_count %d out of range [1, 50]", p.QuestionCount)
	}
	switch p.Difficulty {
	case model.DifficultyEasy, model.DifficultyIntermediate, model.DifficultyHard:
	default:
		return fmt.Errorf("invalid difficulty %q", p.Difficulty)
	}
	if !validLanguage(p.Language) {
		return fmt.Errorf("invalid language %q", p.Language)
	}
	if strings.TrimSpace(p.Description) == "" {
		return fmt.Errorf("missing description")
	}
	return nil
}

func validLanguage(lang string) bool {
	for _, l := range Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// GeneratedQuestion is one multiple choice question produced by the model.
type GeneratedQuestion struct {
	Text          string             `json:"question_text"`
	Options       []string           `json:"options"`
	CorrectOption *int               `json:"correct_option"`
	Type          model.QuestionType `json:"question_type"`
	Points        int                `json:"points"`
}

// GeneratedTest is the expected answer to a generation prompt.
type GeneratedTest struct {
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Questions   []GeneratedQuestion `json:"questions"`
}

func (t *GeneratedTest) Validate() error {
	if t.Questions == nil {
		return fmt.Errorf("missing questions")
	}
	for i, q := range t.Questions {
		if strings.TrimSpace(q.Text) == "" {
			return fmt.Errorf("question %d: missing question_text", i+1)
		}
		if len(q.Options) != 4 {
			return fmt.Errorf("question %d: must have exactly 4 options, got %d", i+1, len(q.Options))
		}
		if q.CorrectOption == nil {
			return fmt.Errorf("question %d: missing correct_option", i+1)
		}
		if *q.CorrectOption < 0 || *q.CorrectOption > 3 {
			return fmt.Errorf("question %d: correct_option %d out of range [0, 3]", i+1, *q.CorrectOption)
		}
		if q.Type != "" && q.Type != model.QuestionMCQ {
			return fmt.Errorf("question %d: unsupported question_type %q", i+1, q.Type)
		}
		if q.Points < 0 {
			return fmt.Errorf("question %d: negative points", i+1)
		}
	}
	return nil
}

// ToQuestions converts the generated questions into model questions,
// applying the mcq type and 1 point defaults.
func (t *GeneratedTest) ToQuestions() []model.Question {
	qs := make([]model.Question, 0, len(t.Questions))
	for _, g := range t.Questions {
		points := g.Points
		if points == 0 {
			points = 1
		}
		qs = append(qs, model.Question{
			Text:          g.Text,
			Type:          model.QuestionMCQ,
			Options:       g.Options,
			CorrectOption: *g.CorrectOption,
			Points:        points,
		})
	}
	return qs
}
