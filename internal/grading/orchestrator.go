package grading

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/aiquiz/internal/i18n"
	"github.com/pavelanni/aiquiz/internal/llm"
	"github.com/pavelanni/aiquiz/internal/llm/prompts"
	"github.com/pavelanni/aiquiz/internal/metrics"
	"github.com/pavelanni/aiquiz/internal/model"
	"github.com/pavelanni/aiquiz/internal/store"
)

var (
	// ErrAttemptNotFound is returned when grading an unknown group attempt.
	ErrAttemptNotFound = errors.New("group attempt not found")
	// ErrAttemptCompleted is returned when grading an attempt that was already graded.
	ErrAttemptCompleted = errors.New("group attempt already completed")
	// ErrGradingInProgress is returned when another pass is grading the attempt.
	ErrGradingInProgress = errors.New("group attempt is already being graded")
	// ErrAttemptNotCompleted is returned when re-aggregating an attempt that
	// has not been graded.
	ErrAttemptNotCompleted = errors.New("group attempt not graded yet")
)

const (
	// CorrectThreshold is the model score from which a text answer counts as correct.
	CorrectThreshold = 70.0
	// FallbackScore is assigned to every opinion when model grading fails.
	FallbackScore = 50.0
	// FallbackMarker prefixes feedback written by the fallback path.
	FallbackMarker = "[fallback]"
)

// DataIntegrityError reports a stored row that references a question outside
// the attempt's test.
type DataIntegrityError struct {
	AttemptID  int64
	QuestionID int64
	Kind       string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("%s of attempt %d references question %d outside the test", e.Kind, e.AttemptID, e.QuestionID)
}

// GroupStore is the persistence used by GroupGrader.
type GroupStore interface {
	GetGroupAttempt(id int64) (model.GroupAttempt, error)
	GetGroupTest(id int64) (model.GroupTest, error)
	ListQuestions(testID int64) ([]model.Question, error)
	ListGroupAnswers(attemptID int64) ([]model.GroupAnswer, error)
	ListOpinions(attemptID int64) ([]model.IndividualOpinion, error)
	ListGroupMembers(attemptID int64) ([]model.GroupMember, error)
	DisplayNames(ids []int64) (map[int64]string, error)
	BeginGrading(attemptID int64) (bool, error)
	AbortGrading(attemptID int64) error
	SaveQuestionGrade(g store.QuestionGrade) error
	SaveScores(attemptID int64, groupScore float64, memberScores map[int64]float64, complete bool) error
}

// GroupGrader runs AI grading passes over finished group attempts.
type GroupGrader struct {
	store     GroupStore
	completer llm.Completer
	cfg       model.Config
	now       func() time.Time
}

// NewGroupGrader creates a grader. An empty prompt variant means standard.
func NewGroupGrader(s GroupStore, c llm.Completer, cfg model.Config) *GroupGrader {
	if cfg.PromptVariant == "" {
		cfg.PromptVariant = string(prompts.PromptStandard)
	}
	if cfg.Lang == "" {
		cfg.Lang = "en"
	}
	return &GroupGrader{store: s, completer: c, cfg: cfg, now: time.Now}
}

// attemptData is everything a pass reads before grading.
type attemptData struct {
	attempt   model.GroupAttempt
	questions []model.Question
	answers   map[int64]model.GroupAnswer
	opinions  map[int64][]model.IndividualOpinion
	members   []int64
	names     map[int64]string
}

// Grade grades every answered question of a finished group attempt, then
// aggregates scores and completes the attempt. Model and parse failures are
// absorbed by the fallback policy; only caller errors and storage failures
// are returned.
func (g *GroupGrader) Grade(ctx context.Context, attemptID int64) error {
	log := slog.With("pass_id", uuid.NewString(), "attempt_id", attemptID)

	attempt, err := g.store.GetGroupAttempt(attemptID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAttemptNotFound
	}
	if err != nil {
		return fmt.Errorf("get attempt: %w", err)
	}
	if err := statusError(attempt.Status); err != nil {
		return err
	}

	ok, err := g.store.BeginGrading(attemptID)
	if err != nil {
		return fmt.Errorf("begin grading: %w", err)
	}
	if !ok {
		// Lost the race: report what the winner left behind.
		if current, err := g.store.GetGroupAttempt(attemptID); err == nil {
			if err := statusError(current.Status); err != nil {
				return err
			}
		}
		return ErrGradingInProgress
	}
	log.Info("grading started")
	start := g.now()

	data, err := g.load(attempt, log)
	if err != nil {
		g.abort(attemptID, log)
		return err
	}

	ctx = i18n.WithLocalizer(ctx, i18n.NewLocalizer(g.cfg.Lang))
	for _, q := range data.questions {
		result := g.gradeQuestion(ctx, log.With("question_id", q.ID), q, data)
		metrics.QuestionsGraded.WithLabelValues(result).Inc()
	}

	agg, err := g.aggregate(attemptID, log)
	if err != nil {
		g.abort(attemptID, log)
		return err
	}
	if err := g.store.SaveScores(attemptID, agg.GroupScore, agg.MemberScores, true); err != nil {
		g.abort(attemptID, log)
		return fmt.Errorf("save scores: %w", err)
	}

	metrics.GradingPasses.WithLabelValues("completed").Inc()
	log.Info("grading completed", "group_score", agg.GroupScore, "members", len(agg.MemberScores),
		"duration", g.now().Sub(start))
	return nil
}

// Reaggregate recomputes group and member scores of a completed attempt from
// stored grades without calling the model. Running it twice yields the same
// values.
func (g *GroupGrader) Reaggregate(attemptID int64) (Aggregation, error) {
	log := slog.With("attempt_id", attemptID)
	attempt, err := g.store.GetGroupAttempt(attemptID)
	if errors.Is(err, sql.ErrNoRows) {
		return Aggregation{}, ErrAttemptNotFound
	}
	if err != nil {
		return Aggregation{}, fmt.Errorf("get attempt: %w", err)
	}
	switch attempt.Status {
	case model.GroupCompleted:
	case model.GroupGrading:
		return Aggregation{}, ErrGradingInProgress
	default:
		return Aggregation{}, ErrAttemptNotCompleted
	}
	agg, err := g.aggregate(attemptID, log)
	if err != nil {
		return Aggregation{}, err
	}
	if err := g.store.SaveScores(attemptID, agg.GroupScore, agg.MemberScores, false); err != nil {
		return Aggregation{}, fmt.Errorf("save scores: %w", err)
	}
	return agg, nil
}

func statusError(s model.GroupStatus) error {
	switch s {
	case model.GroupCompleted:
		return ErrAttemptCompleted
	case model.GroupGrading:
		return ErrGradingInProgress
	}
	return nil
}

func (g *GroupGrader) abort(attemptID int64, log *slog.Logger) {
	metrics.GradingPasses.WithLabelValues("error").Inc()
	if err := g.store.AbortGrading(attemptID); err != nil {
		log.Error("failed to release grading state", "error", err)
	}
}

func (g *GroupGrader) load(attempt model.GroupAttempt, log *slog.Logger) (*attemptData, error) {
	gt, err := g.store.GetGroupTest(attempt.GroupTestID)
	if err != nil {
		return nil, fmt.Errorf("get group test: %w", err)
	}
	questions, err := g.store.ListQuestions(gt.TestID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	answers, err := g.store.ListGroupAnswers(attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	opinions, err := g.store.ListOpinions(attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("list opinions: %w", err)
	}
	members, err := g.store.ListGroupMembers(attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	inTest := make(map[int64]bool, len(questions))
	for _, q := range questions {
		inTest[q.ID] = true
	}
	data := &attemptData{
		attempt:   attempt,
		questions: questions,
		answers:   make(map[int64]model.GroupAnswer, len(answers)),
		opinions:  make(map[int64][]model.IndividualOpinion),
	}
	for _, a := range answers {
		if !inTest[a.QuestionID] {
			log.Warn("skipping row", "error", &DataIntegrityError{AttemptID: attempt.ID, QuestionID: a.QuestionID, Kind: "group answer"})
			continue
		}
		data.answers[a.QuestionID] = a
	}
	ids := make([]int64, 0, len(members)+len(opinions))
	for _, o := range opinions {
		if !inTest[o.QuestionID] {
			log.Warn("skipping row", "error", &DataIntegrityError{AttemptID: attempt.ID, QuestionID: o.QuestionID, Kind: "opinion"})
			continue
		}
		data.opinions[o.QuestionID] = append(data.opinions[o.QuestionID], o)
		ids = append(ids, o.StudentID)
	}
	for _, m := range members {
		data.members = append(data.members, m.StudentID)
		ids = append(ids, m.StudentID)
	}
	data.names, err = g.store.DisplayNames(ids)
	if err != nil {
		return nil, fmt.Errorf("display names: %w", err)
	}
	return data, nil
}

// gradeQuestion grades and persists one question. It never fails; the
// returned label describes what happened.
func (g *GroupGrader) gradeQuestion(ctx context.Context, log *slog.Logger, q model.Question, data *attemptData) string {
	answer, ok := data.answers[q.ID]
	if !ok {
		log.Info("no group answer, skipping question")
		return "skipped"
	}
	opinions := data.opinions[q.ID]
	if len(opinions) == 0 {
		log.Info("no opinions, skipping question")
		return "skipped"
	}

	grade := store.QuestionGrade{GroupAnswerID: answer.ID, GradedAt: g.now()}
	result := "ai"
	resp, err := g.requestGrade(ctx, q, answer, opinions, data.names)
	if err != nil {
		var malformed *llm.MalformedResponseError
		if errors.As(err, &malformed) {
			log.Warn("model response rejected, applying fallback", "error", err, "raw", malformed.Raw)
		} else {
			log.Warn("model call failed, applying fallback", "error", err)
		}
		g.applyFallback(ctx, &grade, q, opinions)
		result = "fallback"
	} else {
		g.applyResponse(log, &grade, q, opinions, data.names, resp)
	}

	if err := g.store.SaveQuestionGrade(grade); err != nil {
		log.Error("failed to save question grade", "error", err)
		return "error"
	}
	return result
}

func (g *GroupGrader) requestGrade(ctx context.Context, q model.Question, answer model.GroupAnswer,
	opinions []model.IndividualOpinion, names map[int64]string) (llm.GroupGradeResponse, error) {
	lines := make([]prompts.Opinion, len(opinions))
	for i, o := range opinions {
		lines[i] = prompts.Opinion{Name: names[o.StudentID], Text: o.Text}
	}
	prompt, err := prompts.BuildGroupGradePrompt(prompts.PromptVariant(g.cfg.PromptVariant), q, answer, lines, languageName(g.cfg.Lang))
	if err != nil {
		return llm.GroupGradeResponse{}, fmt.Errorf("build prompt: %w", err)
	}

	if g.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()
	}
	raw, err := g.completer.Complete(ctx, prompt, llm.Options{
		Temperature:     g.cfg.Temperature,
		MaxOutputTokens: g.cfg.MaxOutputTokens,
	})
	if err != nil {
		return llm.GroupGradeResponse{}, err
	}
	return llm.Decode[llm.GroupGradeResponse](raw)
}

func (g *GroupGrader) applyResponse(log *slog.Logger, grade *store.QuestionGrade, q model.Question,
	opinions []model.IndividualOpinion, names map[int64]string, resp llm.GroupGradeResponse) {
	score := *resp.GroupScore
	grade.Feedback = *resp.GroupFeedback
	if q.Type == model.QuestionText {
		grade.UpdateAnswer = true
		grade.IsCorrect = score >= CorrectThreshold
		grade.PointsEarned = int(math.Round(score / 100 * float64(q.Points)))
	}

	byName := make(map[string][]int64)
	for _, o := range opinions {
		name := names[o.StudentID]
		byName[name] = append(byName[name], o.ID)
	}
	for name, ids := range byName {
		if len(ids) > 1 {
			log.Warn("display name shared by several opinions, score applies to all", "name", name, "opinions", len(ids))
		}
	}

	scored := make(map[int64]llm.StudentScore)
	for _, entry := range resp.Individual {
		ids, ok := byName[*entry.StudentName]
		if !ok {
			metrics.UnmatchedStudentScores.Inc()
			log.Warn("dropping score for unknown student", "student_name", *entry.StudentName)
			continue
		}
		for _, id := range ids {
			scored[id] = entry
		}
	}
	for _, o := range opinions {
		entry, ok := scored[o.ID]
		if !ok {
			log.Warn("model returned no score for opinion", "opinion_id", o.ID, "student_id", o.StudentID)
			continue
		}
		grade.Opinions = append(grade.Opinions, store.OpinionGrade{
			OpinionID: o.ID,
			Score:     *entry.Score,
			Feedback:  *entry.Feedback,
		})
	}
}

func (g *GroupGrader) applyFallback(ctx context.Context, grade *store.QuestionGrade, q model.Question, opinions []model.IndividualOpinion) {
	feedback := FallbackMarker + " " + i18n.T(ctx, "FallbackFeedback")
	grade.Feedback = feedback
	if q.Type == model.QuestionText {
		grade.UpdateAnswer = true
		grade.IsCorrect = false
		grade.PointsEarned = q.Points / 2
	}
	grade.Opinions = grade.Opinions[:0]
	for _, o := range opinions {
		grade.Opinions = append(grade.Opinions, store.OpinionGrade{
			OpinionID: o.ID,
			Score:     FallbackScore,
			Feedback:  feedback,
		})
	}
}

// aggregate reads the stored grades and computes final scores.
func (g *GroupGrader) aggregate(attemptID int64, log *slog.Logger) (Aggregation, error) {
	attempt, err := g.store.GetGroupAttempt(attemptID)
	if err != nil {
		return Aggregation{}, fmt.Errorf("get attempt: %w", err)
	}
	gt, err := g.store.GetGroupTest(attempt.GroupTestID)
	if err != nil {
		return Aggregation{}, fmt.Errorf("get group test: %w", err)
	}
	questions, err := g.store.ListQuestions(gt.TestID)
	if err != nil {
		return Aggregation{}, fmt.Errorf("list questions: %w", err)
	}
	answers, err := g.store.ListGroupAnswers(attemptID)
	if err != nil {
		return Aggregation{}, fmt.Errorf("list answers: %w", err)
	}
	opinions, err := g.store.ListOpinions(attemptID)
	if err != nil {
		return Aggregation{}, fmt.Errorf("list opinions: %w", err)
	}
	members, err := g.store.ListGroupMembers(attemptID)
	if err != nil {
		return Aggregation{}, fmt.Errorf("list members: %w", err)
	}

	points := make(map[int64]int, len(questions))
	for _, q := range questions {
		points[q.ID] = q.Points
	}
	var as []AnswerScore
	for _, a := range answers {
		p, ok := points[a.QuestionID]
		if !ok {
			log.Warn("excluding row from aggregation", "error", &DataIntegrityError{AttemptID: attemptID, QuestionID: a.QuestionID, Kind: "group answer"})
			continue
		}
		// Questions skipped for lack of opinions stay out of the group score.
		if a.GradedAt == nil {
			continue
		}
		as = append(as, AnswerScore{QuestionID: a.QuestionID, PointsEarned: a.PointsEarned, Points: p, IsCorrect: a.IsCorrect})
	}
	var scores []OpinionScore
	for _, o := range opinions {
		if _, ok := points[o.QuestionID]; !ok {
			continue
		}
		scores = append(scores, OpinionScore{StudentID: o.StudentID, Score: o.ScorePercentage})
	}
	ids := make([]int64, len(members))
	for i, m := range members {
		ids[i] = m.StudentID
	}
	return Aggregate(as, scores, ids), nil
}

var languageNames = map[string]string{
	"en": "english",
	"ru": "russian",
	"uz": "uzbek",
}

// languageName maps a locale code to the language name used in prompts.
func languageName(code string) string {
	if name, ok := languageNames[code]; ok {
		return name
	}
	return "english"
}
