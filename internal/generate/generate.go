// Package generate turns a teacher's free-form request into a stored
// multiple choice test in two model steps: a cheap confirmation call that
// extracts parameters, then a generation call that writes the questions.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/aiquiz/internal/llm"
	"github.com/pavelanni/aiquiz/internal/llm/prompts"
	"github.com/pavelanni/aiquiz/internal/model"
)

const (
	confirmTemperature  = 0.3
	confirmMaxTokens    = 1024
	generateTemperature = 0.7
	generateMaxTokens   = 8192

	// DefaultMaxRetries is the number of generation attempts.
	DefaultMaxRetries = 2
)

// ErrEmptyRequest is returned by Confirm for a blank request.
var ErrEmptyRequest = errors.New("request is empty")

// CountMismatchError is returned when the model produced a different number
// of questions than requested.
type CountMismatchError struct {
	Want, Got int
}

func (e *CountMismatchError) Error() string {
	return fmt.Sprintf("expected %d questions, got %d", e.Want, e.Got)
}

// TestStore persists generated tests.
type TestStore interface {
	CreateTest(t model.Test, questions []model.Question) (int64, error)
	GetTest(id int64) (model.Test, error)
}

// Generator runs the confirmation and generation steps.
type Generator struct {
	store      TestStore
	confirm    llm.Completer
	generate   llm.Completer
	MaxRetries int
}

// New creates a Generator. confirm is usually an llm.Fallback whose secondary
// is the generation model.
func New(s TestStore, confirm, generate llm.Completer) *Generator {
	return &Generator{store: s, confirm: confirm, generate: generate, MaxRetries: DefaultMaxRetries}
}

// Confirm extracts test parameters from input. When previous is set the
// request is read as a modification of those parameters.
func (g *Generator) Confirm(ctx context.Context, input string, previous *llm.ConfirmedParams) (llm.ConfirmedParams, error) {
	if strings.TrimSpace(input) == "" {
		return llm.ConfirmedParams{}, ErrEmptyRequest
	}
	var prev string
	if previous != nil {
		b, err := json.MarshalIndent(previous, "", "  ")
		if err != nil {
			return llm.ConfirmedParams{}, fmt.Errorf("encode previous parameters: %w", err)
		}
		prev = string(b)
	}
	prompt, err := prompts.BuildConfirmPrompt(input, prev)
	if err != nil {
		return llm.ConfirmedParams{}, fmt.Errorf("build prompt: %w", err)
	}

	raw, err := g.confirm.Complete(ctx, prompt, llm.Options{Temperature: confirmTemperature, MaxOutputTokens: confirmMaxTokens})
	if err != nil {
		return llm.ConfirmedParams{}, err
	}
	params, err := llm.Decode[llm.ConfirmedParams](raw)
	if err != nil {
		return llm.ConfirmedParams{}, err
	}
	slog.Info("parameters confirmed", "topic", params.Topic, "count", params.QuestionCount,
		"difficulty", params.Difficulty, "language", params.Language)
	return params, nil
}

// Generate asks the generation model for a test matching params and stores
// it for teacherID. Model and parse failures are retried up to MaxRetries
// attempts; storage failures are not.
func (g *Generator) Generate(ctx context.Context, teacherID int64, params llm.ConfirmedParams) (model.Test, error) {
	if err := params.Validate(); err != nil {
		return model.Test{}, fmt.Errorf("invalid parameters: %w", err)
	}
	prompt, err := prompts.BuildGeneratePrompt(prompts.GenerateData{
		Description:   params.Description,
		Topic:         params.Topic,
		QuestionCount: params.QuestionCount,
		Difficulty:    string(params.Difficulty),
		Language:      params.Language,
	})
	if err != nil {
		return model.Test{}, fmt.Errorf("build prompt: %w", err)
	}

	retries := max(g.MaxRetries, 1)
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return model.Test{}, err
		}
		slog.Info("generating test", "attempt", attempt, "max", retries, "topic", params.Topic)

		generated, raw, err := g.attempt(ctx, prompt, params.QuestionCount)
		if err != nil {
			slog.Warn("generation attempt failed", "attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		return g.save(teacherID, params, generated, raw)
	}
	return model.Test{}, fmt.Errorf("generate test after %d attempts: %w", retries, lastErr)
}

func (g *Generator) attempt(ctx context.Context, prompt string, want int) (llm.GeneratedTest, string, error) {
	raw, err := g.generate.Complete(ctx, prompt, llm.Options{Temperature: generateTemperature, MaxOutputTokens: generateMaxTokens})
	if err != nil {
		return llm.GeneratedTest{}, "", err
	}
	generated, err := llm.Decode[llm.GeneratedTest](raw)
	if err != nil {
		return llm.GeneratedTest{}, "", err
	}
	if len(generated.Questions) != want {
		return llm.GeneratedTest{}, "", &CountMismatchError{Want: want, Got: len(generated.Questions)}
	}
	return generated, llm.StripCodeFences(raw), nil
}

func (g *Generator) save(teacherID int64, params llm.ConfirmedParams, generated llm.GeneratedTest, raw string) (model.Test, error) {
	title := strings.TrimSpace(generated.Title)
	if title == "" {
		title = "Test: " + params.Topic
	}
	t := model.Test{
		TeacherID:      teacherID,
		Title:          title,
		Description:    generated.Description,
		CreationMethod: model.CreatedByAI,
		TeacherPrompt:  params.Description,
		LLMResponse:    raw,
		Difficulty:     params.Difficulty,
		Topic:          params.Topic,
	}
	id, err := g.store.CreateTest(t, generated.ToQuestions())
	if err != nil {
		return model.Test{}, fmt.Errorf("save test: %w", err)
	}
	slog.Info("test generated", "test_id", id, "questions", len(generated.Questions))
	return g.store.GetTest(id)
}
