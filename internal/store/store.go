package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/aiquiz/internal/model"

	_ "modernc.org/sqlite"
)

var (
	// ErrGroupFull is returned when joining would exceed the group size limit.
	ErrGroupFull = errors.New("group is full")
	// ErrAnswerExists is returned when the group already answered a question.
	ErrAnswerExists = errors.New("question already answered by the group")
	// ErrQuestionNotInTest is returned when a question does not belong to the test.
	ErrQuestionNotInTest = errors.New("question does not belong to the test")
	// ErrNotStarted is returned when a group attempt has not been started yet.
	ErrNotStarted = errors.New("group attempt not started")
	// ErrAttemptGrading is returned when a new member joins an attempt that is
	// being graded.
	ErrAttemptGrading = errors.New("group attempt is being graded")
	// ErrInvalidTest is returned for tests or import files that fail validation.
	ErrInvalidTest = errors.New("invalid test")
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'student',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		teacher_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		creation_method TEXT NOT NULL DEFAULT 'ai',
		teacher_prompt TEXT NOT NULL DEFAULT '',
		llm_response TEXT NOT NULL DEFAULT '',
		difficulty TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		timer_minutes INTEGER,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (teacher_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		test_id INTEGER NOT NULL,
		text TEXT NOT NULL,
		question_type TEXT NOT NULL DEFAULT 'mcq',
		options TEXT NOT NULL,
		correct_option INTEGER NOT NULL DEFAULT 0,
		points INTEGER NOT NULL DEFAULT 1 CHECK (points > 0),
		position INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (test_id) REFERENCES tests(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_questions_test_position ON questions(test_id, position);

	CREATE TABLE IF NOT EXISTS assignments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		test_id INTEGER NOT NULL,
		access_token TEXT NOT NULL UNIQUE,
		opens_at DATETIME,
		closes_at DATETIME,
		allow_retakes INTEGER NOT NULL DEFAULT 1,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		show_results_immediately INTEGER NOT NULL DEFAULT 1,
		show_correct_answers INTEGER NOT NULL DEFAULT 1,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (test_id) REFERENCES tests(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS individual_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		assignment_id INTEGER NOT NULL,
		student_id INTEGER NOT NULL,
		attempt_number INTEGER NOT NULL DEFAULT 1,
		auto_score INTEGER NOT NULL DEFAULT 0,
		total_possible INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		completed INTEGER NOT NULL DEFAULT 0,
		terminated INTEGER NOT NULL DEFAULT 0,
		termination_reason TEXT NOT NULL DEFAULT '',
		terminated_at DATETIME,
		questions_answered INTEGER NOT NULL DEFAULT 0,
		time_taken_seconds INTEGER,
		UNIQUE (assignment_id, student_id, attempt_number),
		FOREIGN KEY (assignment_id) REFERENCES assignments(id) ON DELETE CASCADE,
		FOREIGN KEY (student_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS individual_answers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		selected_option INTEGER,
		text_answer TEXT NOT NULL DEFAULT '',
		is_correct INTEGER NOT NULL DEFAULT 0,
		points_earned INTEGER NOT NULL DEFAULT 0,
		answered_at DATETIME NOT NULL,
		UNIQUE (attempt_id, question_id),
		FOREIGN KEY (attempt_id) REFERENCES individual_attempts(id) ON DELETE CASCADE,
		FOREIGN KEY (question_id) REFERENCES questions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS group_tests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_number INTEGER NOT NULL,
		test_id INTEGER NOT NULL,
		teacher_id INTEGER NOT NULL,
		access_token TEXT NOT NULL UNIQUE,
		timer_minutes INTEGER NOT NULL DEFAULT 0,
		max_group_size INTEGER NOT NULL DEFAULT 10,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		UNIQUE (teacher_id, group_number),
		FOREIGN KEY (test_id) REFERENCES tests(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS group_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_test_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'not_started',
		group_score_percentage REAL NOT NULL DEFAULT 0,
		total_possible INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME,
		finished_at DATETIME,
		time_taken_seconds INTEGER,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (group_test_id) REFERENCES group_tests(id) ON DELETE CASCADE
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_group_attempts_open
		ON group_attempts(group_test_id) WHERE status != 'completed';

	CREATE TABLE IF NOT EXISTS group_members (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_attempt_id INTEGER NOT NULL,
		student_id INTEGER NOT NULL,
		individual_score_percentage REAL NOT NULL DEFAULT 0,
		has_submitted_all_opinions INTEGER NOT NULL DEFAULT 0,
		joined_at DATETIME NOT NULL,
		UNIQUE (group_attempt_id, student_id),
		FOREIGN KEY (group_attempt_id) REFERENCES group_attempts(id) ON DELETE CASCADE,
		FOREIGN KEY (student_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS individual_opinions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_attempt_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		student_id INTEGER NOT NULL,
		opinion_text TEXT NOT NULL,
		score_percentage REAL NOT NULL DEFAULT 0,
		feedback TEXT NOT NULL DEFAULT '',
		graded_at DATETIME,
		submitted_at DATETIME NOT NULL,
		UNIQUE (group_attempt_id, question_id, student_id),
		FOREIGN KEY (group_attempt_id) REFERENCES group_attempts(id) ON DELETE CASCADE,
		FOREIGN KEY (question_id) REFERENCES questions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS group_answers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_attempt_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		selected_option INTEGER,
		text_answer TEXT NOT NULL DEFAULT '',
		submitted_by INTEGER NOT NULL,
		is_correct INTEGER NOT NULL DEFAULT 0,
		points_earned INTEGER NOT NULL DEFAULT 0,
		feedback TEXT NOT NULL DEFAULT '',
		graded_at DATETIME,
		answered_at DATETIME NOT NULL,
		UNIQUE (group_attempt_id, question_id),
		FOREIGN KEY (group_attempt_id) REFERENCES group_attempts(id) ON DELETE CASCADE,
		FOREIGN KEY (question_id) REFERENCES questions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		sha256 TEXT NOT NULL,
		imported_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateTest stores a test and its questions in one transaction.
// Question positions follow slice order.
func (s *Store) CreateTest(t model.Test, questions []model.Question) (int64, error) {
	for i, q := range questions {
		if err := q.Validate(); err != nil {
			return 0, fmt.Errorf("%w: question %d: %v", ErrInvalidTest, i+1, err)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if t.CreationMethod == "" {
		t.CreationMethod = model.CreatedManually
	}
	res, err := tx.Exec(
		`INSERT INTO tests (teacher_id, title, description, creation_method, teacher_prompt, llm_response, difficulty, topic, timer_minutes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TeacherID, t.Title, t.Description, t.CreationMethod, t.TeacherPrompt, t.LLMResponse,
		t.Difficulty, t.Topic, t.TimerMinutes, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	testID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for i, q := range questions {
		opts, err := json.Marshal(q.Options)
		if err != nil {
			return 0, err
		}
		_, err = tx.Exec(
			`INSERT INTO questions (test_id, text, question_type, options, correct_option, points, position)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			testID, q.Text, q.Type, string(opts), q.CorrectOption, q.Points, i,
		)
		if err != nil {
			return 0, err
		}
	}

	return testID, tx.Commit()
}

// GetTest returns a test by ID.
func (s *Store) GetTest(id int64) (model.Test, error) {
	var t model.Test
	err := s.db.QueryRow(
		`SELECT id, teacher_id, title, description, creation_method, teacher_prompt, llm_response, difficulty, topic, timer_minutes, created_at
		 FROM tests WHERE id = ?`, id,
	).Scan(&t.ID, &t.TeacherID, &t.Title, &t.Description, &t.CreationMethod, &t.TeacherPrompt, &t.LLMResponse,
		&t.Difficulty, &t.Topic, &t.TimerMinutes, &t.CreatedAt)
	return t, err
}

// ListTests returns all tests of a teacher, newest first.
func (s *Store) ListTests(teacherID int64) ([]model.Test, error) {
	rows, err := s.db.Query(
		`SELECT id, teacher_id, title, description, creation_method, teacher_prompt, llm_response, difficulty, topic, timer_minutes, created_at
		 FROM tests WHERE teacher_id = ? ORDER BY created_at DESC, id DESC`, teacherID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tests []model.Test
	for rows.Next() {
		var t model.Test
		if err := rows.Scan(&t.ID, &t.TeacherID, &t.Title, &t.Description, &t.CreationMethod, &t.TeacherPrompt, &t.LLMResponse,
			&t.Difficulty, &t.Topic, &t.TimerMinutes, &t.CreatedAt); err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

// ListQuestions returns the questions of a test in position order.
func (s *Store) ListQuestions(testID int64) ([]model.Question, error) {
	rows, err := s.db.Query(
		`SELECT id, test_id, text, question_type, options, correct_option, points, position
		 FROM questions WHERE test_id = ? ORDER BY position, id`, testID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// GetQuestion returns a question by ID.
func (s *Store) GetQuestion(id int64) (model.Question, error) {
	row := s.db.QueryRow(
		`SELECT id, test_id, text, question_type, options, correct_option, points, position
		 FROM questions WHERE id = ?`, id,
	)
	return scanQuestion(row)
}

// TotalPoints returns the sum of question points for a test.
func (s *Store) TotalPoints(testID int64) (int, error) {
	var total int
	err := s.db.QueryRow(`SELECT COALESCE(SUM(points), 0) FROM questions WHERE test_id = ?`, testID).Scan(&total)
	return total, err
}

// QuestionCount returns the number of questions in a test.
func (s *Store) QuestionCount(testID int64) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM questions WHERE test_id = ?`, testID).Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQuestion(sc scanner) (model.Question, error) {
	var q model.Question
	var opts string
	if err := sc.Scan(&q.ID, &q.TestID, &q.Text, &q.Type, &opts, &q.CorrectOption, &q.Points, &q.Position); err != nil {
		return q, err
	}
	if err := json.Unmarshal([]byte(opts), &q.Options); err != nil {
		return q, fmt.Errorf("decode options of question %d: %w", q.ID, err)
	}
	return q, nil
}
