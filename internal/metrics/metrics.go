// Package metrics holds the prometheus collectors of the grading service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	GradingPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiquiz_grading_passes_total",
			Help: "Group grading passes by outcome",
		},
		[]string{"outcome"},
	)

	QuestionsGraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiquiz_questions_graded_total",
			Help: "Questions processed by the group grader, by result",
		},
		[]string{"result"},
	)

	UnmatchedStudentScores = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aiquiz_unmatched_student_scores_total",
			Help: "Per-student scores returned by the model that matched no opinion author",
		},
	)

	ModelCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiquiz_model_calls_total",
			Help: "Text completion calls by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	ModelCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiquiz_model_call_duration_seconds",
			Help:    "Duration of text completion calls",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"model"},
	)

	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiquiz_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiquiz_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "route"},
	)
)

var registerOnce sync.Once

// Register adds all collectors to the default registry. Safe to call repeatedly.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(GradingPasses, QuestionsGraded, UnmatchedStudentScores,
			ModelCalls, ModelCallDuration, RequestCounter, RequestDuration)
	})
}

// ObserveModelCall records one completion call.
func ObserveModelCall(model string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ModelCalls.WithLabelValues(model, outcome).Inc()
	ModelCallDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
}

// Middleware records request counts and latency keyed by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RequestCounter.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
