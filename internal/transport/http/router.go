// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/campaign-runtime/internal/cms"
	"github.com/adiadia/campaign-runtime/internal/domain"
	"github.com/adiadia/campaign-runtime/internal/metrics"
	"github.com/adiadia/campaign-runtime/internal/orchestrator"
	"github.com/adiadia/campaign-runtime/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxRequestBytes   = 1 << 20
	textDetectFailure = "Failed to detect article"
)

type startRunRequest struct {
	Campaign domain.CampaignConfig `json:"campaign"`
}

type testSourceRequest struct {
	URL string `json:"url"`
}

// StreamConfig tunes websocket and SSE subscribers.
type StreamConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

type Deps struct {
	Runs        RunService
	RunLookup   RunLookup
	EventLister EventLister
	Prober      SourceProber
	Verifier    ConnectionVerifier
	Health      HealthChecker
	Logger      *slog.Logger

	CORSOrigins        []string
	RunStartRatePerMin int
	Stream             StreamConfig

	Version   string
	Commit    string
	BuildDate string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")
	startRate := deps.RunStartRatePerMin
	if startRate <= 0 {
		startRate = 60
	}
	streams := newStreamer(deps.Runs, deps.Stream, deps.CORSOrigins, logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))
	r.Use(corsMiddleware(deps.CORSOrigins))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health.Check(r.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				http.Error(w, "journal schema not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- START RUN ----------------

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(startRate, logger))

		startRun := func(w http.ResponseWriter, r *http.Request) {
			req, err := decodeStartRunRequest(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			runID, err := deps.Runs.StartRun(r.Context(), req.Campaign)
			if err != nil {
				if errors.Is(err, orchestrator.ErrShuttingDown) {
					w.Header().Set("Retry-After", "5")
					http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
					return
				}
				logger.Error("start run failed", "error", err)
				http.Error(w, "failed to start run", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"run_id":  runID.String(),
			})
		}

		r.Post("/runs", startRun)
		r.Post("/run-campaign-async", startRun)
		r.Get("/run-campaign", streams.serveLegacyCampaign)
	})

	// ---------------- LIST RUNS ----------------

	r.Get("/runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"runs": deps.Runs.Runs(),
		})
	})

	// ---------------- GET RUN ----------------

	r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		runID, ok := parseRunID(w, r)
		if !ok {
			return
		}

		state, err := deps.Runs.Status(runID)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"id":         state.ID,
				"status":     state.Status,
				"started_at": state.StartedAt,
				"live":       true,
			})
			return
		}

		if deps.RunLookup != nil {
			rec, err := deps.RunLookup.GetRun(r.Context(), runID)
			if err == nil {
				writeJSON(w, http.StatusOK, struct {
					domain.RunRecord
					Live bool `json:"live"`
				}{RunRecord: rec})
				return
			}
			if !errors.Is(err, domain.ErrNotFound) {
				logger.Error("get run failed", "run_id", runID, "error", err)
				http.Error(w, "failed to get run", http.StatusInternalServerError)
				return
			}
		}

		http.Error(w, "run not found", http.StatusNotFound)
	})

	// ---------------- CANCEL RUN ----------------

	r.Post("/runs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		runID, ok := parseRunID(w, r)
		if !ok {
			return
		}

		if err := deps.Runs.Cancel(runID); err != nil {
			if errors.Is(err, domain.ErrUnknownRun) {
				http.Error(w, "run not found", http.StatusNotFound)
				return
			}
			logger.Error("cancel run failed", "run_id", runID, "error", err)
			http.Error(w, "failed to cancel run", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"id":               runID.String(),
			"cancel_requested": true,
		})
	})

	// ---------------- RUN HISTORY ----------------

	r.Get("/runs/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		runID, ok := parseRunID(w, r)
		if !ok {
			return
		}
		if deps.EventLister == nil {
			http.Error(w, "run history is not enabled", http.StatusNotFound)
			return
		}

		afterSeq := int64(0)
		if raw := strings.TrimSpace(r.URL.Query().Get("after_seq")); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n < 0 {
				http.Error(w, "invalid after_seq", http.StatusBadRequest)
				return
			}
			afterSeq = n
		}

		events, err := deps.EventLister.ListEvents(r.Context(), runID, afterSeq)
		if err != nil {
			logger.Error("list events failed", "run_id", runID, "error", err)
			http.Error(w, "failed to list events", http.StatusInternalServerError)
			return
		}
		if events == nil {
			events = []domain.LogEvent{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"run_id": runID.String(),
			"events": events,
		})
	})

	// ---------------- LIVE LOGS ----------------

	r.Get("/ws/logs/{id}", func(w http.ResponseWriter, r *http.Request) {
		runID, ok := parseRunID(w, r)
		if !ok {
			return
		}
		streams.serveWebSocket(w, r, runID)
	})

	r.Get("/runs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		runID, ok := parseRunID(w, r)
		if !ok {
			return
		}
		streams.serveSSE(w, r, runID)
	})

	// ---------------- SOURCE PROBE ----------------

	r.Post("/test-source", func(w http.ResponseWriter, r *http.Request) {
		if deps.Prober == nil {
			http.Error(w, "source discovery is not configured", http.StatusNotImplemented)
			return
		}

		var req testSourceRequest
		if err := decodeJSONBody(r, &req); err != nil || strings.TrimSpace(req.URL) == "" {
			http.Error(w, "url is required", http.StatusBadRequest)
			return
		}

		article, err := deps.Prober.Discover(r.Context(), req.URL)
		if err != nil {
			logger.Info("source probe found nothing", "source", req.URL, "error", err)
			writeJSON(w, http.StatusOK, map[string]string{"error": textDetectFailure})
			return
		}

		writeJSON(w, http.StatusOK, article)
	})

	// ---------------- CMS CONNECTION ----------------

	r.Post("/verify-connection", func(w http.ResponseWriter, r *http.Request) {
		if deps.Verifier == nil {
			http.Error(w, "cms client is not configured", http.StatusNotImplemented)
			return
		}

		var creds cms.Credentials
		if err := decodeJSONBody(r, &creds); err != nil || strings.TrimSpace(creds.URL) == "" {
			http.Error(w, "url is required", http.StatusBadRequest)
			return
		}

		writeJSON(w, http.StatusOK, deps.Verifier.Verify(r.Context(), creds))
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid run ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return runID, true
}

func decodeStartRunRequest(r *http.Request) (startRunRequest, error) {
	var req startRunRequest
	if err := decodeJSONBody(r, &req); err != nil {
		return startRunRequest{}, errors.New("invalid request body")
	}
	if req.Campaign == nil {
		return startRunRequest{}, errors.New("campaign is required")
	}
	return req, nil
}

// decodeJSONBody reads exactly one JSON object. Unknown fields are ignored.
func decodeJSONBody(r *http.Request, v any) error {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return io.EOF
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain exactly one JSON object")
	}
	return nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
