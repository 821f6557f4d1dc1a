package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/aiquiz/internal/model"
)

// ImportResult reports what ImportTests did with a file.
type ImportResult struct {
	TestIDs []int64
	// Unchanged is set when the same content was imported before.
	Unchanged bool
	// Changed is set when the file differs from its last import. Such files
	// are not imported again so existing attempts keep their questions.
	Changed bool
}

// ImportTests creates manual tests for teacherID from a JSON array of
// model.TestImport. Files are tracked by name and content hash.
func (s *Store) ImportTests(name string, data []byte, teacherID int64) (ImportResult, error) {
	hash := sha256sum(data)
	stored, err := s.GetImportedFileHash(name)
	if err != nil {
		return ImportResult{}, fmt.Errorf("check import status for %s: %w", name, err)
	}
	if stored == hash {
		slog.Info("tests file unchanged, skipping", "name", name)
		return ImportResult{Unchanged: true}, nil
	}
	if stored != "" {
		slog.Warn("tests file changed since last import, skipping", "name", name)
		return ImportResult{Changed: true}, nil
	}

	var tests []model.TestImport
	if err := json.Unmarshal(data, &tests); err != nil {
		return ImportResult{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidTest, name, err)
	}
	if err := validateImport(tests); err != nil {
		return ImportResult{}, fmt.Errorf("%s: %w", name, err)
	}

	var res ImportResult
	for i, ti := range tests {
		id, err := s.CreateTest(ti.ToTest(teacherID), ti.ToQuestions())
		if err != nil {
			return res, fmt.Errorf("test %d of %s: %w", i+1, name, err)
		}
		res.TestIDs = append(res.TestIDs, id)
	}

	if err := s.SetImportedFileHash(name, hash); err != nil {
		return res, fmt.Errorf("record import for %s: %w", name, err)
	}
	slog.Info("imported tests", "name", name, "count", len(res.TestIDs))
	return res, nil
}

// validateImport checks every test up front so a bad file imports nothing.
func validateImport(tests []model.TestImport) error {
	if len(tests) == 0 {
		return fmt.Errorf("%w: no tests in file", ErrInvalidTest)
	}
	for i, ti := range tests {
		if strings.TrimSpace(ti.Title) == "" {
			return fmt.Errorf("%w: test %d has no title", ErrInvalidTest, i+1)
		}
		qs := ti.ToQuestions()
		if len(qs) == 0 {
			return fmt.Errorf("%w: test %d has no questions", ErrInvalidTest, i+1)
		}
		for j, q := range qs {
			if err := q.Validate(); err != nil {
				return fmt.Errorf("%w: test %d question %d: %v", ErrInvalidTest, i+1, j+1, err)
			}
		}
	}
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
