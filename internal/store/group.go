package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/aiquiz/internal/model"
)

const groupAttemptColumns = `id, group_test_id, status, group_score_percentage, total_possible, started_at,
	finished_at, time_taken_seconds, created_at`

const opinionColumns = `id, group_attempt_id, question_id, student_id, opinion_text, score_percentage, feedback,
	graded_at, submitted_at`

const groupAnswerColumns = `id, group_attempt_id, question_id, selected_option, text_answer, submitted_by,
	is_correct, points_earned, feedback, graded_at, answered_at`

// OpinionGrade is the persisted outcome for one opinion.
type OpinionGrade struct {
	OpinionID int64
	Score     float64
	Feedback  string
}

// QuestionGrade is the persisted outcome of grading one question of a group
// attempt. IsCorrect and PointsEarned are left untouched when UpdateAnswer
// is false.
type QuestionGrade struct {
	GroupAnswerID int64
	UpdateAnswer  bool
	IsCorrect     bool
	PointsEarned  int
	Feedback      string
	Opinions      []OpinionGrade
	GradedAt      time.Time
}

// CreateGroupTest binds a test to a group slot.
func (s *Store) CreateGroupTest(g model.GroupTest) (model.GroupTest, error) {
	if g.AccessToken == "" {
		token, err := generateToken()
		if err != nil {
			return g, fmt.Errorf("generate token: %w", err)
		}
		g.AccessToken = token
	}
	if g.MaxGroupSize <= 0 {
		g.MaxGroupSize = 10
	}
	g.CreatedAt = time.Now()
	res, err := s.db.Exec(
		`INSERT INTO group_tests (group_number, test_id, teacher_id, access_token, timer_minutes, max_group_size, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.GroupNumber, g.TestID, g.TeacherID, g.AccessToken, g.TimerMinutes, g.MaxGroupSize, g.Active, g.CreatedAt,
	)
	if err != nil {
		return g, err
	}
	g.ID, err = res.LastInsertId()
	return g, err
}

// GetGroupTest returns a group test by ID.
func (s *Store) GetGroupTest(id int64) (model.GroupTest, error) {
	return scanGroupTest(s.db.QueryRow(
		`SELECT id, group_number, test_id, teacher_id, access_token, timer_minutes, max_group_size, active, created_at
		 FROM group_tests WHERE id = ?`, id))
}

// GetGroupTestByToken returns a group test by its share token.
func (s *Store) GetGroupTestByToken(token string) (model.GroupTest, error) {
	return scanGroupTest(s.db.QueryRow(
		`SELECT id, group_number, test_id, teacher_id, access_token, timer_minutes, max_group_size, active, created_at
		 FROM group_tests WHERE access_token = ?`, token))
}

// ListGroupTests returns the group tests of a test ordered by group number.
func (s *Store) ListGroupTests(testID int64) ([]model.GroupTest, error) {
	rows, err := s.db.Query(
		`SELECT id, group_number, test_id, teacher_id, access_token, timer_minutes, max_group_size, active, created_at
		 FROM group_tests WHERE test_id = ? ORDER BY group_number, id`, testID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []model.GroupTest
	for rows.Next() {
		g, err := scanGroupTest(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func scanGroupTest(sc scanner) (model.GroupTest, error) {
	var g model.GroupTest
	err := sc.Scan(&g.ID, &g.GroupNumber, &g.TestID, &g.TeacherID, &g.AccessToken, &g.TimerMinutes, &g.MaxGroupSize, &g.Active, &g.CreatedAt)
	return g, err
}

// JoinGroup attaches a student to the open attempt of a group test, creating
// the attempt when none is open. Joining twice is a no-op. While the open
// attempt is being graded only existing members may rejoin.
func (s *Store) JoinGroup(groupTestID, studentID int64) (model.GroupAttempt, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return model.GroupAttempt{}, err
	}
	defer tx.Rollback()

	var maxSize, testID int64
	if err := tx.QueryRow(`SELECT max_group_size, test_id FROM group_tests WHERE id = ?`, groupTestID).Scan(&maxSize, &testID); err != nil {
		return model.GroupAttempt{}, err
	}

	attempt, err := scanGroupAttempt(tx.QueryRow(
		`SELECT `+groupAttemptColumns+` FROM group_attempts WHERE group_test_id = ? AND status != 'completed'`, groupTestID))
	if errors.Is(err, sql.ErrNoRows) {
		var total int
		if err := tx.QueryRow(`SELECT COALESCE(SUM(points), 0) FROM questions WHERE test_id = ?`, testID).Scan(&total); err != nil {
			return model.GroupAttempt{}, err
		}
		res, err := tx.Exec(
			`INSERT INTO group_attempts (group_test_id, status, total_possible, created_at) VALUES (?, ?, ?, ?)`,
			groupTestID, model.GroupNotStarted, total, time.Now(),
		)
		if err != nil {
			return model.GroupAttempt{}, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return model.GroupAttempt{}, err
		}
		attempt, err = scanGroupAttempt(tx.QueryRow(`SELECT `+groupAttemptColumns+` FROM group_attempts WHERE id = ?`, id))
		if err != nil {
			return model.GroupAttempt{}, err
		}
	} else if err != nil {
		return model.GroupAttempt{}, err
	}

	if attempt.Status == model.GroupGrading {
		var member bool
		if err := tx.QueryRow(
			`SELECT EXISTS(SELECT 1 FROM group_members WHERE group_attempt_id = ? AND student_id = ?)`,
			attempt.ID, studentID,
		).Scan(&member); err != nil {
			return model.GroupAttempt{}, err
		}
		if !member {
			return model.GroupAttempt{}, ErrAttemptGrading
		}
		return attempt, tx.Commit()
	}

	res, err := tx.Exec(
		`INSERT INTO group_members (group_attempt_id, student_id, joined_at) VALUES (?, ?, ?)
		 ON CONFLICT(group_attempt_id, student_id) DO NOTHING`,
		attempt.ID, studentID, time.Now(),
	)
	if err != nil {
		return model.GroupAttempt{}, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		var size int64
		if err := tx.QueryRow(`SELECT COUNT(*) FROM group_members WHERE group_attempt_id = ?`, attempt.ID).Scan(&size); err != nil {
			return model.GroupAttempt{}, err
		}
		if size > maxSize {
			return model.GroupAttempt{}, ErrGroupFull
		}
	}

	return attempt, tx.Commit()
}

// StartGroupAttempt starts the timer of a not-yet-started attempt.
// Starting an already started attempt is a no-op.
func (s *Store) StartGroupAttempt(id int64) error {
	_, err := s.db.Exec(
		`UPDATE group_attempts SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		model.GroupStarted, time.Now(), id, model.GroupNotStarted,
	)
	return err
}

// GetGroupAttempt returns a group attempt by ID.
func (s *Store) GetGroupAttempt(id int64) (model.GroupAttempt, error) {
	return scanGroupAttempt(s.db.QueryRow(`SELECT `+groupAttemptColumns+` FROM group_attempts WHERE id = ?`, id))
}

// OpenGroupAttempt returns the non-completed attempt of a group test, or nil.
func (s *Store) OpenGroupAttempt(groupTestID int64) (*model.GroupAttempt, error) {
	a, err := scanGroupAttempt(s.db.QueryRow(
		`SELECT `+groupAttemptColumns+` FROM group_attempts WHERE group_test_id = ? AND status != 'completed'`, groupTestID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListGroupAttempts returns the attempts of a group test, newest first.
// When completedOnly is set only graded attempts are returned.
func (s *Store) ListGroupAttempts(groupTestID int64, completedOnly bool) ([]model.GroupAttempt, error) {
	query := `SELECT ` + groupAttemptColumns + ` FROM group_attempts WHERE group_test_id = ?`
	if completedOnly {
		query += ` AND status = 'completed'`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := s.db.Query(query, groupTestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []model.GroupAttempt
	for rows.Next() {
		a, err := scanGroupAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func scanGroupAttempt(sc scanner) (model.GroupAttempt, error) {
	var a model.GroupAttempt
	err := sc.Scan(&a.ID, &a.GroupTestID, &a.Status, &a.GroupScorePercentage, &a.TotalPossible, &a.StartedAt,
		&a.FinishedAt, &a.TimeTakenSeconds, &a.CreatedAt)
	return a, err
}

// GetGroupMember returns the membership of a student, or nil if absent.
func (s *Store) GetGroupMember(attemptID, studentID int64) (*model.GroupMember, error) {
	var m model.GroupMember
	err := s.db.QueryRow(
		`SELECT id, group_attempt_id, student_id, individual_score_percentage, has_submitted_all_opinions, joined_at
		 FROM group_members WHERE group_attempt_id = ? AND student_id = ?`, attemptID, studentID,
	).Scan(&m.ID, &m.GroupAttemptID, &m.StudentID, &m.IndividualScorePercentage, &m.HasSubmittedAllOpinions, &m.JoinedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListGroupMembers returns the members of an attempt in join order.
func (s *Store) ListGroupMembers(attemptID int64) ([]model.GroupMember, error) {
	rows, err := s.db.Query(
		`SELECT id, group_attempt_id, student_id, individual_score_percentage, has_submitted_all_opinions, joined_at
		 FROM group_members WHERE group_attempt_id = ? ORDER BY joined_at, id`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []model.GroupMember
	for rows.Next() {
		var m model.GroupMember
		if err := rows.Scan(&m.ID, &m.GroupAttemptID, &m.StudentID, &m.IndividualScorePercentage, &m.HasSubmittedAllOpinions, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// SubmitOpinion stores or replaces a member's opinion on a question and
// refreshes the member's all-opinions flag. Returns whether every question
// of the test now has an opinion from the member.
func (s *Store) SubmitOpinion(op model.IndividualOpinion) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var testID int64
	err = tx.QueryRow(
		`SELECT gt.test_id FROM group_attempts ga JOIN group_tests gt ON gt.id = ga.group_test_id WHERE ga.id = ?`,
		op.GroupAttemptID,
	).Scan(&testID)
	if err != nil {
		return false, err
	}
	if err := questionInTest(tx, op.QuestionID, testID); err != nil {
		return false, err
	}

	_, err = tx.Exec(
		`INSERT INTO individual_opinions (group_attempt_id, question_id, student_id, opinion_text, submitted_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(group_attempt_id, question_id, student_id) DO UPDATE SET
			opinion_text = excluded.opinion_text,
			submitted_at = excluded.submitted_at`,
		op.GroupAttemptID, op.QuestionID, op.StudentID, op.Text, time.Now(),
	)
	if err != nil {
		return false, err
	}

	var total, submitted int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM questions WHERE test_id = ?`, testID).Scan(&total); err != nil {
		return false, err
	}
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM individual_opinions WHERE group_attempt_id = ? AND student_id = ?`,
		op.GroupAttemptID, op.StudentID,
	).Scan(&submitted); err != nil {
		return false, err
	}
	all := submitted == total
	if _, err := tx.Exec(
		`UPDATE group_members SET has_submitted_all_opinions = ? WHERE group_attempt_id = ? AND student_id = ?`,
		all, op.GroupAttemptID, op.StudentID,
	); err != nil {
		return false, err
	}

	return all, tx.Commit()
}

// CreateGroupAnswer stores the group's answer to a question. A second answer
// to the same question returns ErrAnswerExists.
func (s *Store) CreateGroupAnswer(a model.GroupAnswer) (model.GroupAnswer, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return a, err
	}
	defer tx.Rollback()

	var testID int64
	err = tx.QueryRow(
		`SELECT gt.test_id FROM group_attempts ga JOIN group_tests gt ON gt.id = ga.group_test_id WHERE ga.id = ?`,
		a.GroupAttemptID,
	).Scan(&testID)
	if err != nil {
		return a, err
	}
	if err := questionInTest(tx, a.QuestionID, testID); err != nil {
		return a, err
	}

	a.AnsweredAt = time.Now()
	res, err := tx.Exec(
		`INSERT INTO group_answers (group_attempt_id, question_id, selected_option, text_answer, submitted_by,
		 is_correct, points_earned, feedback, graded_at, answered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(group_attempt_id, question_id) DO NOTHING`,
		a.GroupAttemptID, a.QuestionID, a.SelectedOption, a.TextAnswer, a.SubmittedBy,
		a.IsCorrect, a.PointsEarned, a.Feedback, a.GradedAt, a.AnsweredAt,
	)
	if err != nil {
		return a, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return a, ErrAnswerExists
	}
	a.ID, err = res.LastInsertId()
	if err != nil {
		return a, err
	}
	return a, tx.Commit()
}

func questionInTest(tx *sql.Tx, questionID, testID int64) error {
	var owner int64
	err := tx.QueryRow(`SELECT test_id FROM questions WHERE id = ?`, questionID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != testID) {
		return ErrQuestionNotInTest
	}
	return err
}

// GetGroupAnswer returns the group's answer to a question, or nil if absent.
func (s *Store) GetGroupAnswer(attemptID, questionID int64) (*model.GroupAnswer, error) {
	a, err := scanGroupAnswer(s.db.QueryRow(
		`SELECT `+groupAnswerColumns+` FROM group_answers WHERE group_attempt_id = ? AND question_id = ?`,
		attemptID, questionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListGroupAnswers returns all answers of an attempt.
func (s *Store) ListGroupAnswers(attemptID int64) ([]model.GroupAnswer, error) {
	rows, err := s.db.Query(
		`SELECT `+groupAnswerColumns+` FROM group_answers WHERE group_attempt_id = ? ORDER BY id`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var answers []model.GroupAnswer
	for rows.Next() {
		a, err := scanGroupAnswer(rows)
		if err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

func scanGroupAnswer(sc scanner) (model.GroupAnswer, error) {
	var a model.GroupAnswer
	err := sc.Scan(&a.ID, &a.GroupAttemptID, &a.QuestionID, &a.SelectedOption, &a.TextAnswer, &a.SubmittedBy,
		&a.IsCorrect, &a.PointsEarned, &a.Feedback, &a.GradedAt, &a.AnsweredAt)
	return a, err
}

// ListOpinions returns every opinion of an attempt.
func (s *Store) ListOpinions(attemptID int64) ([]model.IndividualOpinion, error) {
	return s.queryOpinions(`SELECT `+opinionColumns+` FROM individual_opinions
		WHERE group_attempt_id = ? ORDER BY id`, attemptID)
}

// ListOpinionsForQuestion returns the opinions on one question in submission order.
func (s *Store) ListOpinionsForQuestion(attemptID, questionID int64) ([]model.IndividualOpinion, error) {
	return s.queryOpinions(`SELECT `+opinionColumns+` FROM individual_opinions
		WHERE group_attempt_id = ? AND question_id = ? ORDER BY submitted_at, id`, attemptID, questionID)
}

func (s *Store) queryOpinions(query string, args ...any) ([]model.IndividualOpinion, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var opinions []model.IndividualOpinion
	for rows.Next() {
		var o model.IndividualOpinion
		if err := rows.Scan(&o.ID, &o.GroupAttemptID, &o.QuestionID, &o.StudentID, &o.Text, &o.ScorePercentage,
			&o.Feedback, &o.GradedAt, &o.SubmittedAt); err != nil {
			return nil, err
		}
		opinions = append(opinions, o)
	}
	return opinions, rows.Err()
}

// BeginGrading moves an attempt into the grading state. It reports false when
// the attempt was not in a gradable state, so at most one pass runs per attempt.
func (s *Store) BeginGrading(attemptID int64) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE group_attempts SET status = ? WHERE id = ? AND status IN (?, ?)`,
		model.GroupGrading, attemptID, model.GroupNotStarted, model.GroupStarted,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SaveQuestionGrade persists one question's grading outcome atomically.
func (s *Store) SaveQuestionGrade(g QuestionGrade) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if g.UpdateAnswer {
		_, err = tx.Exec(
			`UPDATE group_answers SET is_correct = ?, points_earned = ?, feedback = ?, graded_at = ? WHERE id = ?`,
			g.IsCorrect, g.PointsEarned, g.Feedback, g.GradedAt, g.GroupAnswerID,
		)
	} else {
		_, err = tx.Exec(`UPDATE group_answers SET feedback = ?, graded_at = ? WHERE id = ?`, g.Feedback, g.GradedAt, g.GroupAnswerID)
	}
	if err != nil {
		return err
	}

	for _, og := range g.Opinions {
		if _, err := tx.Exec(
			`UPDATE individual_opinions SET score_percentage = ?, feedback = ?, graded_at = ? WHERE id = ?`,
			model.ClampPercent(og.Score), og.Feedback, g.GradedAt, og.OpinionID,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveScores writes aggregated scores. When complete is set the attempt is
// also moved from grading to completed; that transition happens once.
func (s *Store) SaveScores(attemptID int64, groupScore float64, memberScores map[int64]float64, complete bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for studentID, score := range memberScores {
		if _, err := tx.Exec(
			`UPDATE group_members SET individual_score_percentage = ? WHERE group_attempt_id = ? AND student_id = ?`,
			model.ClampPercent(score), attemptID, studentID,
		); err != nil {
			return err
		}
	}

	if !complete {
		if _, err := tx.Exec(
			`UPDATE group_attempts SET group_score_percentage = ? WHERE id = ?`,
			model.ClampPercent(groupScore), attemptID,
		); err != nil {
			return err
		}
		return tx.Commit()
	}

	var startedAt *time.Time
	if err := tx.QueryRow(`SELECT started_at FROM group_attempts WHERE id = ?`, attemptID).Scan(&startedAt); err != nil {
		return err
	}
	now := time.Now()
	var taken *int
	if startedAt != nil {
		secs := int(now.Sub(*startedAt).Seconds())
		taken = &secs
	}
	res, err := tx.Exec(
		`UPDATE group_attempts SET group_score_percentage = ?, status = ?, finished_at = ?, time_taken_seconds = ?
		 WHERE id = ? AND status = ?`,
		model.ClampPercent(groupScore), model.GroupCompleted, now, taken, attemptID, model.GroupGrading,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("group attempt %d is not in grading state", attemptID)
	}
	return tx.Commit()
}

// AbortGrading returns an attempt stuck in grading to the started state so a
// new pass can be triggered.
func (s *Store) AbortGrading(attemptID int64) error {
	_, err := s.db.Exec(
		`UPDATE group_attempts SET status = ? WHERE id = ? AND status = ?`,
		model.GroupStarted, attemptID, model.GroupGrading,
	)
	return err
}
