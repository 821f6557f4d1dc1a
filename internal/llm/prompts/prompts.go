package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/aiquiz/internal/model"
)

//go:embed templates/*.tmpl
var embedded embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

const maxAnswerRunes = 10000

// PromptVariant represents a grading prompt variant.
type PromptVariant string

const (
	// PromptStrict is a strict grading variant for majors.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default grading variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient is a lenient grading variant for electives.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

var (
	loadOnce       sync.Once
	loadErr        error
	gradeTemplates map[PromptVariant]*template.Template
	confirmTmpl    *template.Template
	generateTmpl   *template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// DefaultFS returns the templates compiled into the binary.
func DefaultFS() fs.FS {
	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		panic(err)
	}
	return sub
}

// Opinion is one member's reasoning as shown to the grading model.
type Opinion struct {
	Name string
	Text string
}

// GroupGradeData holds template data for group grading prompts.
type GroupGradeData struct {
	QuestionText   string
	QuestionType   model.QuestionType
	Points         int
	ExpectedAnswer string
	GroupAnswer    string
	Opinions       []Opinion
	Language       string
}

// ConfirmData holds template data for the parameter confirmation prompt.
type ConfirmData struct {
	Input    string
	Previous string
}

// GenerateData holds template data for the test generation prompt.
type GenerateData struct {
	Description   string
	Topic         string
	QuestionCount int
	Difficulty    string
	Language      string
}

// Load parses prompt templates from fsys. The layout is
// group_grade_<variant>.tmpl, confirm.tmpl and generate.tmpl at the root.
// It uses sync.Once to ensure templates are loaded only once.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		gradeTemplates = make(map[PromptVariant]*template.Template)
		for _, v := range []PromptVariant{PromptStrict, PromptStandard, PromptLenient} {
			tmpl, err := parse(fsys, "group_grade_"+string(v)+".tmpl")
			if err != nil {
				loadErr = err
				return
			}
			gradeTemplates[v] = tmpl
		}
		if confirmTmpl, loadErr = parse(fsys, "confirm.tmpl"); loadErr != nil {
			return
		}
		generateTmpl, loadErr = parse(fsys, "generate.tmpl")
	})
	return loadErr
}

func parse(fsys fs.FS, name string) (*template.Template, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, errors.New("failed to read prompt file " + name + ": " + err.Error())
	}
	tmpl, err := template.New(name).Parse(string(content))
	if err != nil {
		return nil, errors.New("failed to parse prompt template " + name + ": " + err.Error())
	}
	return tmpl, nil
}

// BuildGroupGradePrompt builds the prompt that grades one question of a group
// attempt. Student text is sanitized; display names are passed through
// unchanged because the response is matched back by exact name.
func BuildGroupGradePrompt(variant PromptVariant, q model.Question, answer model.GroupAnswer, opinions []Opinion, lang string) (string, error) {
	if gradeTemplates == nil {
		return "", errors.New("templates not initialized: call Load first")
	}
	tmpl, ok := gradeTemplates[variant]
	if !ok {
		if loadErr != nil {
			return "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	groupAnswer := answer.TextAnswer
	if q.Type.IsChoice() && answer.SelectedOption != nil {
		groupAnswer = q.OptionText(*answer.SelectedOption)
	}
	cleaned := make([]Opinion, len(opinions))
	for i, o := range opinions {
		cleaned[i] = Opinion{Name: o.Name, Text: sanitizeAnswer(o.Text)}
	}
	if lang == "" {
		lang = "english"
	}

	data := GroupGradeData{
		QuestionText:   q.Text,
		QuestionType:   q.Type,
		Points:         q.Points,
		ExpectedAnswer: q.ExpectedAnswer(),
		GroupAnswer:    sanitizeAnswer(groupAnswer),
		Opinions:       cleaned,
		Language:       lang,
	}
	return execute(tmpl, data)
}

// BuildConfirmPrompt builds the prompt that extracts test parameters from a
// teacher's free-form request. previous is the JSON of an earlier
// confirmation being refined, or empty.
func BuildConfirmPrompt(input, previous string) (string, error) {
	if confirmTmpl == nil {
		return "", errors.New("templates not initialized: call Load first")
	}
	return execute(confirmTmpl, ConfirmData{Input: sanitizeAnswer(input), Previous: previous})
}

// BuildGeneratePrompt builds the test generation prompt.
func BuildGeneratePrompt(data GenerateData) (string, error) {
	if generateTmpl == nil {
		return "", errors.New("templates not initialized: call Load first")
	}
	return execute(generateTmpl, data)
}

func execute(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		runes = runes[:maxAnswerRunes]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
