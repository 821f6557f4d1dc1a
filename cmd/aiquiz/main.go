package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pavelanni/aiquiz/internal/generate"
	"github.com/pavelanni/aiquiz/internal/grading"
	"github.com/pavelanni/aiquiz/internal/handler"
	appI18n "github.com/pavelanni/aiquiz/internal/i18n"
	"github.com/pavelanni/aiquiz/internal/llm"
	"github.com/pavelanni/aiquiz/internal/llm/prompts"
	"github.com/pavelanni/aiquiz/internal/metrics"
	"github.com/pavelanni/aiquiz/internal/model"
	"github.com/pavelanni/aiquiz/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "aiquiz",
		Short: "Quiz service with AI grading of group tests",
	}

	serve := serveCmd()
	root.AddCommand(serve, gradeCmd(), reaggregateCmd(), exportCmd(), importCmd(), generateCmd(), userCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `aiquiz --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringP("lang", "l", "en", "Default language (en, ru, uz)")
	f.String("teacher", "teacher", "Username of the teacher created on an empty database")
	f.Int64("max-upload", handler.DefaultMaxUploadBytes, "Maximum size of an uploaded tests file in bytes")
	addStoreFlags(cmd)
	addModelFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("db", "aiquiz.db", "SQLite database path")
}

func addModelFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "Model for grading and test generation")
	f.String("llm-fallback-model", "", "Model tried when the main model fails (empty = none)")
	f.String("llm-confirm-model", "", "Model that reads generation requests (empty = llm-model)")
	f.Duration("llm-timeout", 0, "Per-call timeout (0 = client default)")
	f.Float64("llm-rate", 0, "Maximum model calls per second (0 = unlimited)")
	f.Int("llm-burst", 1, "Burst size for --llm-rate")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.String("prompts-dir", "", "Directory with prompt templates overriding the built-in ones")
	f.Float32("temperature", 0.2, "Sampling temperature for grading calls")
	f.Int("max-output-tokens", 1024, "Upper bound on grading response length")
}

func addLogFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	f.String("log-file", "", "Also write logs to this file, rotated by size")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if path := v.GetString("log-file"); path != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(out, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(out, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("AIQUIZ")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("aiquiz")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/aiquiz")
	v.AddConfigPath("/etc/aiquiz")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// models holds the completion clients built from the model flags.
type models struct {
	grade    llm.Completer
	generate llm.Completer
	confirm  llm.Completer
	main     *llm.Client
}

// setupModels loads the prompt templates and builds the model clients.
func setupModels(v *viper.Viper) (models, error) {
	var fsys fs.FS = prompts.DefaultFS()
	if dir := v.GetString("prompts-dir"); dir != "" {
		fsys = os.DirFS(dir)
	}
	if err := prompts.Load(fsys); err != nil {
		return models{}, fmt.Errorf("load prompts: %w", err)
	}

	opts := []llm.ClientOption{llm.WithRateLimit(v.GetFloat64("llm-rate"), v.GetInt("llm-burst"))}
	if d := v.GetDuration("llm-timeout"); d > 0 {
		opts = append(opts, llm.WithTimeout(d))
	}
	client := func(name string) *llm.Client {
		return llm.New(v.GetString("llm-url"), v.GetString("llm-key"), name, opts...)
	}

	m := models{main: client(v.GetString("llm-model"))}
	m.grade, m.generate = m.main, m.main
	if name := v.GetString("llm-fallback-model"); name != "" {
		fb := llm.Fallback{Primary: m.main, Secondary: client(name)}
		m.grade, m.generate = fb, fb
	}
	m.confirm = m.generate
	if name := v.GetString("llm-confirm-model"); name != "" {
		m.confirm = llm.Fallback{Primary: client(name), Secondary: m.generate}
	}
	return m, nil
}

// promptVariant returns the configured grading variant, falling back to
// standard when it is not known.
func promptVariant(v *viper.Viper) string {
	variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(variant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", variant)
		variant = string(prompts.PromptStandard)
	}
	return variant
}

func gradingConfig(v *viper.Viper) model.Config {
	return model.Config{
		PromptVariant:   promptVariant(v),
		Temperature:     float32(v.GetFloat64("temperature")),
		MaxOutputTokens: v.GetInt("max-output-tokens"),
		CallTimeout:     v.GetDuration("llm-timeout"),
		Lang:            v.GetString("lang"),
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	// Open database.
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedTeacher(db, v.GetString("teacher")); err != nil {
		return fmt.Errorf("seed teacher: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	m, err := setupModels(v)
	if err != nil {
		return err
	}
	// The service still runs without a model: grading falls back to
	// default scores.
	if err := m.main.Ping(context.Background()); err != nil {
		slog.Warn("LLM health check failed", "url", v.GetString("llm-url"), "error", err)
	} else {
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", m.main.Model())
	}

	cfg := gradingConfig(v)
	grader := grading.NewGroupGrader(db, m.grade, cfg)
	gen := generate.New(db, m.confirm, m.generate)
	h := handler.New(db, grader, gen, handler.Config{
		PromptVariant:  cfg.PromptVariant,
		MaxUploadBytes: v.GetInt64("max-upload"),
	})

	metrics.Register()

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(appI18n.Middleware(lang))
	r.Handle("/metrics", metrics.Handler())
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"fallback_model", v.GetString("llm-fallback-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", lang,
		"prompt_variant", cfg.PromptVariant,
	)
	return http.ListenAndServe(addr, r)
}

// seedTeacher creates the first teacher account on an empty database.
func seedTeacher(db *store.Store, username string) error {
	count, err := db.UserCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if username == "" {
		return fmt.Errorf("teacher username is required on an empty database: set --teacher or AIQUIZ_TEACHER")
	}

	id, err := db.CreateUser(model.User{
		Username:    username,
		DisplayName: username,
		Role:        model.UserRoleTeacher,
	})
	if err != nil {
		return fmt.Errorf("create teacher: %w", err)
	}

	slog.Info("seeded teacher", "username", username, "id", id)
	return nil
}
