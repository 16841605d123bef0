package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigilstack/vigil-detect/internal/detect"
	"github.com/vigilstack/vigil-detect/internal/models"
	"github.com/vigilstack/vigil-detect/internal/utils"
)

const (
	defaultRecentWindow = 15 * time.Minute
	defaultAnomalyLimit = 50
)

// metricStats is the per-metric aggregate view served over HTTP.
type metricStats struct {
	Metric     string    `json:"metric_name"`
	Count      int       `json:"count"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Mean       float64   `json:"mean"`
	Sum        float64   `json:"sum"`
	LastUpdate time.Time `json:"last_update"`
}

func newMetricStats(metric string, agg models.MetricAggregate) metricStats {
	return metricStats{
		Metric:     metric,
		Count:      agg.Count,
		Min:        agg.Min,
		Max:        agg.Max,
		Mean:       agg.Mean(),
		Sum:        agg.Sum,
		LastUpdate: agg.LastUpdate,
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/metrics/recent", s.handleRecent)
	mux.HandleFunc("/api/v1/metrics/stats", s.handleStats)
	mux.HandleFunc("/api/v1/detectors", s.handleDetectors)
	mux.HandleFunc("/api/v1/detectors/score", s.handleScore)
	mux.HandleFunc("/api/v1/detectors/fit", s.handleFit)
	mux.HandleFunc("/api/v1/anomalies", s.handleAnomalies)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !enforceGet(w, r) {
		return
	}
	writeJSON(s.logger, w, http.StatusOK, s.engine.Health())
}

// handleRecent returns the buffered points for one metric. The cutoff is
// either an explicit RFC3339 "since" or a "window" duration back from now.
func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if !enforceGet(w, r) {
		return
	}
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		writeError(s.logger, w, http.StatusBadRequest, "metric parameter is required")
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := utils.ParseRFC3339(raw)
		if err != nil {
			writeError(s.logger, w, http.StatusBadRequest, err.Error())
			return
		}
		since = parsed
	} else {
		window, err := utils.ParseWindow(r.URL.Query().Get("window"), defaultRecentWindow)
		if err != nil {
			writeError(s.logger, w, http.StatusBadRequest, err.Error())
			return
		}
		since = time.Now().Add(-window)
	}

	writeJSON(s.logger, w, http.StatusOK, map[string]any{
		"metric_name": metric,
		"since":       since,
		"points":      s.ring.Recent(metric, since),
	})
}

// handleStats returns windowed aggregates: one metric when the parameter
// is set, otherwise every tracked metric.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !enforceGet(w, r) {
		return
	}
	if metric := r.URL.Query().Get("metric"); metric != "" {
		agg, ok := s.ring.Aggregate(metric)
		if !ok {
			writeError(s.logger, w, http.StatusNotFound, "unknown metric "+metric)
			return
		}
		writeJSON(s.logger, w, http.StatusOK, newMetricStats(metric, agg))
		return
	}

	all := s.ring.Aggregates()
	out := make([]metricStats, 0, len(all))
	for _, metric := range s.ring.Metrics() {
		out = append(out, newMetricStats(metric, all[metric]))
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"metrics": out})
}

func (s *Server) handleDetectors(w http.ResponseWriter, r *http.Request) {
	if !enforceGet(w, r) {
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"detectors": s.registry.Entries()})
}

// handleScore probes the metric's batch detector with a hypothetical value
// without recording it.
func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	if !enforceGet(w, r) {
		return
	}
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		writeError(s.logger, w, http.StatusBadRequest, "metric parameter is required")
		return
	}
	value, err := strconv.ParseFloat(r.URL.Query().Get("value"), 64)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "value parameter must be a number")
		return
	}

	score, err := s.engine.PredictOne(metric, value)
	if err != nil {
		if errors.Is(err, detect.ErrNotFitted) {
			writeError(s.logger, w, http.StatusConflict, "detector for "+metric+" is not fitted yet")
			return
		}
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}

	var severity models.Severity
	if score.Anomaly {
		severity = detect.SeverityFromScore(score.Value)
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{
		"metric_name": metric,
		"value":       value,
		"score":       score.Value,
		"is_anomaly":  score.Anomaly,
		"severity":    severity,
	})
}

// handleFit forces a fit of the metric's batch detector from the current
// buffer contents and waits for the outcome.
func (s *Server) handleFit(w http.ResponseWriter, r *http.Request) {
	if !enforcePost(w, r) {
		return
	}
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		writeError(s.logger, w, http.StatusBadRequest, "metric parameter is required")
		return
	}
	if err := s.engine.FitNow(r.Context(), metric); err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{
		"metric_name": metric,
		"status":      "fitted",
	})
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	if !enforceGet(w, r) {
		return
	}
	limit := defaultAnomalyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(s.logger, w, http.StatusBadRequest, "limit parameter must be a positive integer")
			return
		}
		limit = parsed
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{
		"anomalies": s.engine.RecentAnomalies(limit),
	})
}

func enforceGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(logger *slog.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("response encode failed", slog.Any("error", err))
	}
}

func writeError(logger *slog.Logger, w http.ResponseWriter, status int, message string) {
	writeJSON(logger, w, status, map[string]string{"error": message})
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rw.status),
			slog.Duration("elapsed", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
