package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/aiquiz/internal/generate"
	"github.com/pavelanni/aiquiz/internal/grading"
	appI18n "github.com/pavelanni/aiquiz/internal/i18n"
	"github.com/pavelanni/aiquiz/internal/model"
	"github.com/pavelanni/aiquiz/internal/store"
)

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Grade a group attempt with the AI model",
		Long: "Runs a grading pass over a group attempt that has not been graded yet.\n" +
			"Questions the model cannot grade receive default scores.",
		RunE: runGrade,
	}
	f := cmd.Flags()
	f.Int64("attempt-id", 0, "Group attempt to grade (required)")
	f.StringP("lang", "l", "en", "Language of fallback feedback (en, ru, uz)")
	_ = cmd.MarkFlagRequired("attempt-id")
	addStoreFlags(cmd)
	addModelFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func reaggregateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reaggregate",
		Short: "Recompute group and member scores from stored grades",
		RunE:  runReaggregate,
	}
	cmd.Flags().Int64("attempt-id", 0, "Group attempt to recompute (required)")
	_ = cmd.MarkFlagRequired("attempt-id")
	addStoreFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export graded group attempts as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.Int64("group-test-id", 0, "Group test to export (required)")
	f.String("prompt-variant", "standard", "Prompt variant included in export metadata")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	_ = cmd.MarkFlagRequired("group-test-id")
	addStoreFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import tests from JSON files",
		Long: "Imports tests for a teacher. A file that was already imported is skipped;\n" +
			"a changed file is skipped with a warning so existing attempts keep their questions.",
		Args: cobra.MinimumNArgs(1),
		RunE: runImport,
	}
	cmd.Flags().String("teacher", "teacher", "Username of the teacher who owns the tests")
	addStoreFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate REQUEST",
		Short: "Generate a multiple choice test from a free-form request",
		Args:  cobra.ExactArgs(1),
		RunE:  runGenerate,
	}
	cmd.Flags().String("teacher", "teacher", "Username of the teacher who owns the test")
	addStoreFlags(cmd)
	addModelFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	add := &cobra.Command{
		Use:   "add USERNAME",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE:  runUserAdd,
	}
	f := add.Flags()
	f.String("display-name", "", "Name shown to teachers and the grading model (default USERNAME)")
	f.String("role", string(model.UserRoleStudent), "User role (student, teacher)")
	addStoreFlags(add)
	addLogFlags(add)

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE:  runUserList,
	}
	addStoreFlags(list)
	addLogFlags(list)

	cmd.AddCommand(add, list)
	return cmd
}

// openStore sets up logging and opens the database named by --db.
func openStore(cmd *cobra.Command) (*store.Store, *viper.Viper, error) {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return db, v, nil
}

func runGrade(cmd *cobra.Command, _ []string) error {
	db, v, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	m, err := setupModels(v)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id := v.GetInt64("attempt-id")
	if err := grading.NewGroupGrader(db, m.grade, gradingConfig(v)).Grade(ctx, id); err != nil {
		return fmt.Errorf("grade attempt %d: %w", id, err)
	}
	attempt, err := db.GetGroupAttempt(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "attempt %d graded: group score %.2f%%\n", id, attempt.GroupScorePercentage)
	return nil
}

func runReaggregate(cmd *cobra.Command, _ []string) error {
	db, v, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	id := v.GetInt64("attempt-id")
	// Re-aggregation never calls the model.
	agg, err := grading.NewGroupGrader(db, nil, model.Config{}).Reaggregate(id)
	if err != nil {
		return fmt.Errorf("reaggregate attempt %d: %w", id, err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "group score: %.2f%%\n", agg.GroupScore)
	ids := memberIDs(agg.MemberScores)
	names, err := db.DisplayNames(ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintf(out, "  %-24s %.2f%%\n", names[id], agg.MemberScores[id])
	}
	return nil
}

func memberIDs(scores map[int64]float64) []int64 {
	ids := make([]int64, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func runExport(cmd *cobra.Command, _ []string) error {
	db, v, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	export, err := db.ExportGroupTest(v.GetInt64("group-test-id"), v.GetString("prompt-variant"))
	if err != nil {
		return fmt.Errorf("export group test: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}

// teacherByName resolves the owner of imported or generated tests.
func teacherByName(db *store.Store, username string) (*model.User, error) {
	u, err := db.GetUserByUsername(username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("user %q not found", username)
	}
	if u.Role != model.UserRoleTeacher {
		return nil, fmt.Errorf("user %q is not a teacher", username)
	}
	return u, nil
}

func runImport(cmd *cobra.Command, paths []string) error {
	db, v, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	teacher, err := teacherByName(db, v.GetString("teacher"))
	if err != nil {
		return err
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		res, err := db.ImportTests(path, data, teacher.ID)
		if err != nil {
			return err
		}
		switch {
		case res.Unchanged:
			fmt.Fprintf(cmd.OutOrStdout(), "%s: unchanged\n", path)
		case res.Changed:
			fmt.Fprintf(cmd.OutOrStdout(), "%s: changed since last import, skipped\n", path)
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "%s: imported %d tests\n", path, len(res.TestIDs))
		}
	}
	return nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	db, v, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	teacher, err := teacherByName(db, v.GetString("teacher"))
	if err != nil {
		return err
	}
	m, err := setupModels(v)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gen := generate.New(db, m.confirm, m.generate)
	params, err := gen.Confirm(ctx, args[0], nil)
	if err != nil {
		return fmt.Errorf("confirm request: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%d %s questions, %s)\n", params.Description, params.QuestionCount, params.Difficulty, params.Language)

	test, err := gen.Generate(ctx, teacher.ID, params)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "created test %d: %s\n", test.ID, test.Title)
	return nil
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	db, v, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	role := model.UserRole(strings.ToLower(v.GetString("role")))
	if role != model.UserRoleStudent && role != model.UserRoleTeacher {
		return fmt.Errorf("invalid role %q", role)
	}
	name := v.GetString("display-name")
	if name == "" {
		name = args[0]
	}
	existing, err := db.GetUserByUsername(args[0])
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("user %q already exists", args[0])
	}
	id, err := db.CreateUser(model.User{Username: args[0], DisplayName: name, Role: role})
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	slog.Info("user created", "id", id, "username", args[0], "role", role)
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runUserList(cmd *cobra.Command, _ []string) error {
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	users, err := db.ListUsers()
	if err != nil {
		return err
	}
	for _, u := range users {
		fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\n", u.ID, u.Username, u.Role, u.DisplayName)
	}
	return nil
}
