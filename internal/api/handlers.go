package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"gatekeeper/internal/audit"
	"gatekeeper/internal/concurrency"
	"gatekeeper/internal/models"
	"gatekeeper/internal/pool"
	"gatekeeper/internal/ratelimit"
	"gatekeeper/internal/version"
)

// healthPingTimeout bounds the database probe in /health.
const healthPingTimeout = 2 * time.Second

// Dependencies are the collaborators the handlers report on or forward to.
// Nil fields are treated as not configured.
type Dependencies struct {
	DB          pool.Querier
	Concurrency *concurrency.Limiter
	RateTable   ratelimit.Table
	RateLimiter *ratelimit.MemoryLimiter
	Upstream    http.Handler
	Audit       *audit.Recorder
	Version     version.Info
}

// Handlers contains the HTTP handlers for the gatekeeper API
type Handlers struct {
	deps      Dependencies
	startedAt time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(deps Dependencies) *Handlers {
	return &Handlers{
		deps:      deps,
		startedAt: time.Now(),
	}
}

// HealthCheck reports component health.
// GET /health
//
// Returns 503 when the database is configured but not answering. A full
// concurrency limiter degrades the status without failing the check.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := models.NewHealthCheckResponse()
	response.Version = h.deps.Version.Version
	response.Uptime = time.Since(h.startedAt).Round(time.Second).String()
	statusCode := http.StatusOK

	if h.deps.DB == nil {
		response.AddComponent("database", models.StatusUnknown, "Database not configured", nil)
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		err := h.deps.DB.Ping(ctx)
		cancel()

		st := h.deps.DB.Status()
		details := map[string]any{
			"state": st.State.String(),
			"size":  st.Size,
			"idle":  st.Idle,
			"max":   st.Max,
		}
		if err != nil {
			statusCode = http.StatusServiceUnavailable
			response.Degrade(models.StatusUnhealthy)
			response.AddComponent("database", models.StatusUnhealthy, err.Error(), details)
		} else {
			response.AddComponent("database", models.StatusHealthy, "Database pool is active", details)
		}
	}

	if h.deps.Concurrency != nil {
		stats := h.deps.Concurrency.Stats()
		status, message := models.StatusHealthy, "Accepting requests"
		if stats.GlobalActive >= stats.GlobalLimit {
			status, message = models.StatusDegraded, "Global concurrency limit reached"
			response.Degrade(status)
		}
		response.AddComponent("concurrency", status, message, map[string]any{
			"global_active": stats.GlobalActive,
			"global_limit":  stats.GlobalLimit,
		})
	}

	if h.deps.RateLimiter != nil {
		response.AddMetric("rate_limit_identifiers", h.deps.RateLimiter.Identifiers())
	}

	h.writeJSONResponse(w, statusCode, response)
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Timestamp   time.Time                `json:"timestamp"`
	Version     version.Info             `json:"version"`
	Concurrency *concurrency.Stats       `json:"concurrency,omitempty"`
	Database    *pool.Status             `json:"database,omitempty"`
	RateLimits  map[string]RateLimitView `json:"rate_limits,omitempty"`
}

// RateLimitView renders one rate table entry.
type RateLimitView struct {
	MaxRequests int    `json:"max_requests"`
	Window      string `json:"window"`
}

// Status reports limiter and pool state.
// GET /status
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Timestamp: time.Now(),
		Version:   h.deps.Version,
	}
	if h.deps.Concurrency != nil {
		stats := h.deps.Concurrency.Stats()
		resp.Concurrency = &stats
	}
	if h.deps.DB != nil {
		st := h.deps.DB.Status()
		resp.Database = &st
	}
	if len(h.deps.RateTable) > 0 {
		resp.RateLimits = make(map[string]RateLimitView, len(h.deps.RateTable))
		for endpoint, limit := range h.deps.RateTable {
			resp.RateLimits[endpoint] = RateLimitView{
				MaxRequests: limit.MaxRequests,
				Window:      limit.Window.String(),
			}
		}
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// RecentRequests lists the newest audited requests.
// GET /status/requests?limit=N
func (h *Handlers) RecentRequests(w http.ResponseWriter, r *http.Request) {
	if h.deps.Audit == nil {
		h.writeErrorResponse(w, r, http.StatusNotFound, models.ErrorCodeNotFound, "Request audit is not enabled")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeErrorResponse(w, r, http.StatusBadRequest, models.ErrorCodeInvalidRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	rows, err := h.deps.Audit.Recent(r.Context(), limit)
	if err != nil {
		slog.Error("Failed to read audit log", "error", err)
		h.writeErrorResponse(w, r, http.StatusServiceUnavailable, models.ErrorCodeServiceUnavailable, "Request audit is unavailable")
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]any{"requests": rows, "count": len(rows)})
}

// Forward passes an admitted request to the upstream, or answers it locally
// when no upstream is configured.
// ANY /api/...
func (h *Handlers) Forward(w http.ResponseWriter, r *http.Request) {
	if h.deps.Upstream != nil {
		h.deps.Upstream.ServeHTTP(w, r)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]string{
		"status":     "admitted",
		"endpoint":   r.URL.Path,
		"request_id": concurrency.RequestIDFromContext(r.Context()),
	})
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSON(w, statusCode, data)
}

// writeErrorResponse writes an error response tagged with the request id
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errorCode, message string) {
	errorResp := models.NewErrorResponse(message, errorCode)
	errorResp.RequestID = concurrency.RequestIDFromContext(r.Context())
	writeJSON(w, statusCode, errorResp)
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written; only log.
		slog.Error("Error encoding JSON response", "error", err)
	}
}
