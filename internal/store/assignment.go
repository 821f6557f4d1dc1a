package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/aiquiz/internal/model"
)

const assignmentColumns = `id, test_id, access_token, opens_at, closes_at, allow_retakes, max_attempts,
	show_results_immediately, show_correct_answers, active, created_at`

const attemptColumns = `id, assignment_id, student_id, attempt_number, auto_score, total_possible, started_at,
	finished_at, completed, terminated, termination_reason, terminated_at, questions_answered, time_taken_seconds`

// CreateAssignment publishes a test. An access token is generated when empty.
func (s *Store) CreateAssignment(a model.Assignment) (model.Assignment, error) {
	if a.AccessToken == "" {
		token, err := generateToken()
		if err != nil {
			return a, fmt.Errorf("generate token: %w", err)
		}
		a.AccessToken = token
	}
	a.CreatedAt = time.Now()
	res, err := s.db.Exec(
		`INSERT INTO assignments (test_id, access_token, opens_at, closes_at, allow_retakes, max_attempts,
		 show_results_immediately, show_correct_answers, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TestID, a.AccessToken, a.OpensAt, a.ClosesAt, a.AllowRetakes, a.MaxAttempts,
		a.ShowResultsImmediately, a.ShowCorrectAnswers, a.Active, a.CreatedAt,
	)
	if err != nil {
		return a, err
	}
	a.ID, err = res.LastInsertId()
	return a, err
}

// GetAssignment returns an assignment by ID.
func (s *Store) GetAssignment(id int64) (model.Assignment, error) {
	return scanAssignment(s.db.QueryRow(`SELECT `+assignmentColumns+` FROM assignments WHERE id = ?`, id))
}

// GetAssignmentByToken returns an assignment by its share token.
func (s *Store) GetAssignmentByToken(token string) (model.Assignment, error) {
	return scanAssignment(s.db.QueryRow(`SELECT `+assignmentColumns+` FROM assignments WHERE access_token = ?`, token))
}

func scanAssignment(sc scanner) (model.Assignment, error) {
	var a model.Assignment
	err := sc.Scan(&a.ID, &a.TestID, &a.AccessToken, &a.OpensAt, &a.ClosesAt, &a.AllowRetakes, &a.MaxAttempts,
		&a.ShowResultsImmediately, &a.ShowCorrectAnswers, &a.Active, &a.CreatedAt)
	return a, err
}

// CountAttempts returns how many attempts a student has made on an assignment.
func (s *Store) CountAttempts(assignmentID, studentID int64) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM individual_attempts WHERE assignment_id = ? AND student_id = ?`,
		assignmentID, studentID,
	).Scan(&count)
	return count, err
}

// CreateAttempt opens a new attempt. The attempt number is derived from the
// stored attempts in the same statement so concurrent starts cannot collide.
func (s *Store) CreateAttempt(assignmentID, studentID int64, totalPossible int) (model.IndividualAttempt, error) {
	res, err := s.db.Exec(
		`INSERT INTO individual_attempts (assignment_id, student_id, attempt_number, total_possible, started_at)
		 SELECT ?, ?, COALESCE(MAX(attempt_number), 0) + 1, ?, ?
		 FROM individual_attempts WHERE assignment_id = ? AND student_id = ?`,
		assignmentID, studentID, totalPossible, time.Now(), assignmentID, studentID,
	)
	if err != nil {
		return model.IndividualAttempt{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.IndividualAttempt{}, err
	}
	return s.GetAttempt(id)
}

// GetAttempt returns an individual attempt by ID.
func (s *Store) GetAttempt(id int64) (model.IndividualAttempt, error) {
	return scanAttempt(s.db.QueryRow(`SELECT `+attemptColumns+` FROM individual_attempts WHERE id = ?`, id))
}

// LatestAttempt returns the student's most recent attempt, or nil if none.
func (s *Store) LatestAttempt(assignmentID, studentID int64) (*model.IndividualAttempt, error) {
	a, err := scanAttempt(s.db.QueryRow(
		`SELECT `+attemptColumns+` FROM individual_attempts
		 WHERE assignment_id = ? AND student_id = ? ORDER BY attempt_number DESC LIMIT 1`,
		assignmentID, studentID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAttempt(sc scanner) (model.IndividualAttempt, error) {
	var a model.IndividualAttempt
	err := sc.Scan(&a.ID, &a.AssignmentID, &a.StudentID, &a.AttemptNumber, &a.AutoScore, &a.TotalPossible, &a.StartedAt,
		&a.FinishedAt, &a.Completed, &a.Terminated, &a.TerminationReason, &a.TerminatedAt, &a.QuestionsAnswered, &a.TimeTakenSeconds)
	return a, err
}

// UpsertAnswer stores a student's answer. Resubmission overwrites the
// previous answer for the same question.
func (s *Store) UpsertAnswer(a model.IndividualAnswer) error {
	_, err := s.db.Exec(
		`INSERT INTO individual_answers (attempt_id, question_id, selected_option, text_answer, is_correct, points_earned, answered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(attempt_id, question_id) DO UPDATE SET
			selected_option = excluded.selected_option,
			text_answer = excluded.text_answer,
			is_correct = excluded.is_correct,
			points_earned = excluded.points_earned,
			answered_at = excluded.answered_at`,
		a.AttemptID, a.QuestionID, a.SelectedOption, a.TextAnswer, a.IsCorrect, a.PointsEarned, time.Now(),
	)
	return err
}

// ListAnswers returns the answers of an attempt in question order.
func (s *Store) ListAnswers(attemptID int64) ([]model.IndividualAnswer, error) {
	rows, err := s.db.Query(
		`SELECT a.id, a.attempt_id, a.question_id, a.selected_option, a.text_answer, a.is_correct, a.points_earned, a.answered_at
		 FROM individual_answers a JOIN questions q ON q.id = a.question_id
		 WHERE a.attempt_id = ? ORDER BY q.position, q.id`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var answers []model.IndividualAnswer
	for rows.Next() {
		var a model.IndividualAnswer
		if err := rows.Scan(&a.ID, &a.AttemptID, &a.QuestionID, &a.SelectedOption, &a.TextAnswer, &a.IsCorrect, &a.PointsEarned, &a.AnsweredAt); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// ListAnswersForTest returns every answer of the completed attempts of a test.
func (s *Store) ListAnswersForTest(testID int64) ([]model.IndividualAnswer, error) {
	rows, err := s.db.Query(
		`SELECT ans.id, ans.attempt_id, ans.question_id, ans.selected_option, ans.text_answer, ans.is_correct,
		 ans.points_earned, ans.answered_at
		 FROM individual_answers ans
		 JOIN individual_attempts ia ON ia.id = ans.attempt_id
		 JOIN assignments a ON a.id = ia.assignment_id
		 WHERE a.test_id = ? AND ia.completed = 1 ORDER BY ans.id`, testID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var answers []model.IndividualAnswer
	for rows.Next() {
		var a model.IndividualAnswer
		if err := rows.Scan(&a.ID, &a.AttemptID, &a.QuestionID, &a.SelectedOption, &a.TextAnswer, &a.IsCorrect, &a.PointsEarned, &a.AnsweredAt); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// FinishAttempt records the final score and termination state of an attempt.
func (s *Store) FinishAttempt(a model.IndividualAttempt) error {
	now := time.Now()
	if a.FinishedAt == nil {
		a.FinishedAt = &now
	}
	_, err := s.db.Exec(
		`UPDATE individual_attempts SET auto_score = ?, total_possible = ?, finished_at = ?, completed = 1,
		 terminated = ?, termination_reason = ?, terminated_at = ?, questions_answered = ?, time_taken_seconds = ?
		 WHERE id = ?`,
		a.AutoScore, a.TotalPossible, a.FinishedAt, a.Terminated, a.TerminationReason, a.TerminatedAt,
		a.QuestionsAnswered, a.TimeTakenSeconds, a.ID,
	)
	return err
}

// ListCompletedAttempts returns completed attempts for an assignment.
func (s *Store) ListCompletedAttempts(assignmentID int64) ([]model.IndividualAttempt, error) {
	return s.queryAttempts(`SELECT `+attemptColumns+` FROM individual_attempts
		WHERE assignment_id = ? AND completed = 1 ORDER BY id`, assignmentID)
}

// ListCompletedAttemptsForTest returns completed attempts across all
// assignments of a test.
func (s *Store) ListCompletedAttemptsForTest(testID int64) ([]model.IndividualAttempt, error) {
	return s.queryAttempts(`SELECT `+prefixed("ia", attemptColumns)+` FROM individual_attempts ia
		JOIN assignments a ON a.id = ia.assignment_id
		WHERE a.test_id = ? AND ia.completed = 1 ORDER BY ia.id`, testID)
}

// ListAllCompletedAttempts returns every completed attempt.
func (s *Store) ListAllCompletedAttempts() ([]model.IndividualAttempt, error) {
	return s.queryAttempts(`SELECT ` + attemptColumns + ` FROM individual_attempts WHERE completed = 1 ORDER BY id`)
}

func (s *Store) queryAttempts(query string, args ...any) ([]model.IndividualAttempt, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []model.IndividualAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// prefixed qualifies every column in a comma separated list with alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// ListAssignments returns the assignments of a test, newest first.
func (s *Store) ListAssignments(testID int64) ([]model.Assignment, error) {
	rows, err := s.db.Query(`SELECT `+assignmentColumns+` FROM assignments WHERE test_id = ? ORDER BY id DESC`, testID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var assignments []model.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}
