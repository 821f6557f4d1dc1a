package generate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/pavelanni/aiquiz/internal/llm"
	"github.com/pavelanni/aiquiz/internal/llm/prompts"
	"github.com/pavelanni/aiquiz/internal/model"
	"github.com/pavelanni/aiquiz/internal/store"
)

func TestMain(m *testing.M) {
	if err := prompts.Load(prompts.DefaultFS()); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// scripted returns its responses in order, repeating the last one.
type scripted struct {
	responses []string
	errs      []error
	prompts   []string
	opts      []llm.Options
}

func (s *scripted) Complete(_ context.Context, prompt string, opts llm.Options) (string, error) {
	i := min(len(s.prompts), len(s.responses)-1)
	s.prompts = append(s.prompts, prompt)
	s.opts = append(s.opts, opts)
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.responses[i], err
}

func newTestStore(t *testing.T) (*store.Store, int64) {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	teacher, err := s.CreateUser(model.User{Username: "teacher", DisplayName: "Teacher", Role: model.UserRoleTeacher})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return s, teacher
}

func generatedJSON(n int) string {
	var qs []string
	for i := range n {
		qs = append(qs, fmt.Sprintf(
			`{"question_text": "Question %d?", "options": ["a", "b", "c", "d"], "correct_option": %d, "question_type": "mcq"}`,
			i+1, i%4))
	}
	return `{"title": "Physics basics", "description": "Forces and motion", "questions": [` + strings.Join(qs, ",") + `]}`
}

var physics = llm.ConfirmedParams{
	Topic:         "physics",
	QuestionCount: 3,
	Difficulty:    model.DifficultyEasy,
	Language:      "english",
	Description:   "Generate 3 easy physics questions in English",
}

func TestConfirm(t *testing.T) {
	c := &scripted{responses: []string{"```json\n" +
		`{"topic": "biology", "question_count": 15, "difficulty": "hard", "language": "english", "description": "Generate 15 hard biology questions in English"}` +
		"\n```"}}
	g := New(nil, c, nil)

	got, err := g.Confirm(context.Background(), "15 hard biology questions", nil)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if got.Topic != "biology" || got.QuestionCount != 15 || got.Difficulty != model.DifficultyHard {
		t.Errorf("Confirm() = %+v", got)
	}
	if strings.Contains(c.prompts[0], "PREVIOUS PARAMETERS") {
		t.Error("fresh request should not carry previous parameters")
	}
	if c.opts[0].Temperature != confirmTemperature {
		t.Errorf("temperature = %v, want %v", c.opts[0].Temperature, confirmTemperature)
	}
}

func TestConfirmRefinesPrevious(t *testing.T) {
	c := &scripted{responses: []string{
		`{"topic": "physics", "question_count": 20, "difficulty": "easy", "language": "english", "description": "Generate 20 easy physics questions in English"}`,
	}}
	g := New(nil, c, nil)
	got, err := g.Confirm(context.Background(), "make it 20", &physics)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if got.QuestionCount != 20 {
		t.Errorf("question count = %d, want 20", got.QuestionCount)
	}
	if !strings.Contains(c.prompts[0], "PREVIOUS PARAMETERS") || !strings.Contains(c.prompts[0], `"topic": "physics"`) {
		t.Errorf("prompt lacks previous parameters:\n%s", c.prompts[0])
	}
}

func TestConfirmErrors(t *testing.T) {
	g := New(nil, &scripted{responses: []string{`{"topic": "x", "question_count": 99}`}}, nil)
	if _, err := g.Confirm(context.Background(), "   ", nil); !errors.Is(err, ErrEmptyRequest) {
		t.Errorf("blank request: got %v, want ErrEmptyRequest", err)
	}
	_, err := g.Confirm(context.Background(), "99 questions", nil)
	var malformed *llm.MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Errorf("invalid params: got %v, want MalformedResponseError", err)
	}
}

func TestConfirmUsesFallbackModel(t *testing.T) {
	primary := &scripted{responses: []string{""}, errs: []error{&llm.GenerationError{Model: "small", Err: errors.New("overloaded")}}}
	secondary := &scripted{responses: []string{
		`{"topic": "chemistry", "question_count": 5, "difficulty": "intermediate", "language": "russian", "description": "Создать 5 средний вопросов по теме химия на русском языке"}`,
	}}
	g := New(nil, llm.Fallback{Primary: primary, Secondary: secondary}, nil)

	got, err := g.Confirm(context.Background(), "5 вопросов по химии", nil)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if got.Language != "russian" || len(secondary.prompts) != 1 {
		t.Errorf("expected the secondary model to answer, got %+v", got)
	}
}

func TestGenerate(t *testing.T) {
	s, teacher := newTestStore(t)
	c := &scripted{responses: []string{generatedJSON(3)}}
	g := New(s, nil, c)

	test, err := g.Generate(context.Background(), teacher, physics)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if test.Title != "Physics basics" || test.CreationMethod != model.CreatedByAI {
		t.Errorf("unexpected test %+v", test)
	}
	if test.TeacherPrompt != physics.Description || test.Topic != "physics" || test.Difficulty != model.DifficultyEasy {
		t.Errorf("parameters not recorded: %+v", test)
	}
	if !strings.Contains(test.LLMResponse, "Question 3?") {
		t.Error("raw response not stored")
	}

	qs, err := s.ListQuestions(test.ID)
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	if len(qs) != 3 {
		t.Fatalf("expected 3 questions, got %d", len(qs))
	}
	for i, q := range qs {
		if q.Type != model.QuestionMCQ || q.Points != 1 || q.CorrectOption != i%4 || q.Position != i {
			t.Errorf("question %d = %+v", i, q)
		}
	}
	if c.opts[0].Temperature != generateTemperature || c.opts[0].MaxOutputTokens != generateMaxTokens {
		t.Errorf("call options = %+v", c.opts[0])
	}
	if !strings.Contains(c.prompts[0], "Number of questions: 3") {
		t.Errorf("prompt lacks question count:\n%s", c.prompts[0])
	}
}

func TestGenerateRetries(t *testing.T) {
	s, teacher := newTestStore(t)
	c := &scripted{responses: []string{generatedJSON(2), generatedJSON(3)}}
	g := New(s, nil, c)

	if _, err := g.Generate(context.Background(), teacher, physics); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(c.prompts) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(c.prompts))
	}
}

func TestGenerateGivesUp(t *testing.T) {
	tests := []struct {
		name  string
		model *scripted
		check func(error) bool
	}{
		{
			name:  "wrong count",
			model: &scripted{responses: []string{generatedJSON(1)}},
			check: func(err error) bool {
				var mismatch *CountMismatchError
				return errors.As(err, &mismatch) && mismatch.Want == 3 && mismatch.Got == 1
			},
		},
		{
			name:  "malformed",
			model: &scripted{responses: []string{`{"title": "x", "questions": [{"question_text": "q", "options": ["a"], "correct_option": 0}]}`}},
			check: func(err error) bool {
				var malformed *llm.MalformedResponseError
				return errors.As(err, &malformed)
			},
		},
		{
			name:  "model down",
			model: &scripted{responses: []string{""}, errs: []error{&llm.GenerationError{Err: errors.New("down")}, &llm.GenerationError{Err: errors.New("down")}}},
			check: func(err error) bool {
				var genErr *llm.GenerationError
				return errors.As(err, &genErr)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, teacher := newTestStore(t)
			g := New(s, nil, tt.model)
			_, err := g.Generate(context.Background(), teacher, physics)
			if err == nil || !tt.check(err) {
				t.Errorf("unexpected error %v", err)
			}
			if len(tt.model.prompts) != DefaultMaxRetries {
				t.Errorf("expected %d attempts, got %d", DefaultMaxRetries, len(tt.model.prompts))
			}
			stored, err := s.ListTests(teacher)
			if err != nil {
				t.Fatalf("ListTests: %v", err)
			}
			if len(stored) != 0 {
				t.Errorf("failed generation stored %d tests", len(stored))
			}
		})
	}
}

func TestGenerateRejectsInvalidParams(t *testing.T) {
	s, teacher := newTestStore(t)
	c := &scripted{responses: []string{generatedJSON(3)}}
	bad := physics
	bad.Language = "klingon"
	if _, err := New(s, nil, c).Generate(context.Background(), teacher, bad); err == nil {
		t.Fatal("expected an error for an unsupported language")
	}
	if len(c.prompts) != 0 {
		t.Error("model should not be called for invalid parameters")
	}
}

func TestGenerateDefaultTitle(t *testing.T) {
	s, teacher := newTestStore(t)
	raw := strings.Replace(generatedJSON(3), `"title": "Physics basics"`, `"title": ""`, 1)
	test, err := New(s, nil, &scripted{responses: []string{raw}}).Generate(context.Background(), teacher, physics)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if test.Title != "Test: physics" {
		t.Errorf("title = %q, want default", test.Title)
	}
}
