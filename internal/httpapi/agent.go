package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"edgeplane/internal/observability"
	"edgeplane/internal/telemetry"
)

type siteIDKey struct{}

// agentAuth checks the pre-issued per-site API key. Keys are bcrypt
// hashes at rest; every unrevoked key for the site is tried so rotation
// can overlap.
func (s *Server) agentAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		siteID, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get("X-Site-ID")), 10, 64)
		if err != nil {
			http.Error(w, "missing or invalid X-Site-ID", http.StatusBadRequest)
			return
		}
		apiKey := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if apiKey == "" {
			http.Error(w, "missing X-API-Key", http.StatusUnauthorized)
			return
		}
		if err := s.keys.Authenticate(r.Context(), siteID, apiKey); err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), siteIDKey{}, siteID)))
	})
}

func siteFromContext(ctx context.Context) int64 {
	v, _ := ctx.Value(siteIDKey{}).(int64)
	return v
}

type uploadRequest struct {
	Snapshots []telemetry.Snapshot `json:"snapshots"`
}

// handleUpload ingests one site's batch. The body may be gzip
// compressed (Content-Encoding: gzip). Partial record errors never fail
// the call; the response carries per-batch counters plus the error
// list.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	siteID := siteFromContext(r.Context())

	body := io.Reader(r.Body)
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, "invalid gzip body", http.StatusBadRequest)
			return
		}
		defer gz.Close()
		body = gz
	}

	var req uploadRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if len(req.Snapshots) == 0 {
		http.Error(w, "empty batch", http.StatusBadRequest)
		return
	}

	res, err := s.pipeline.Ingest(r.Context(), siteID, req.Snapshots, time.Now().UTC())
	if err != nil {
		observability.UploadCounter.WithLabelValues("error").Inc()
		writeError(w, err)
		return
	}
	observability.UploadCounter.WithLabelValues("ok").Inc()
	observability.RecordCounter.WithLabelValues("processed").Add(float64(res.Processed))
	observability.RecordCounter.WithLabelValues("skipped").Add(float64(len(res.Errors)))
	observability.IngestDuration.Observe(time.Since(start).Seconds())
	if len(res.Errors) > 0 {
		slog.Warn("upload had record errors", "site_id", siteID, "errors", len(res.Errors))
	}
	writeJSON(w, http.StatusOK, res)
}

type pollRequest struct {
	AgentID string `json:"agent_id"`
	Limit   int    `json:"limit"`
}

// handlePoll leases pending commands to the calling agent as a side
// effect of the read.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	siteID := siteFromContext(r.Context())
	var req pollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > s.pollLimit {
		limit = s.pollLimit
	}
	leased, err := s.commands.Dispatch(r.Context(), siteID, req.AgentID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	observability.CommandCounter.WithLabelValues("dispatched").Add(float64(len(leased)))
	writeJSON(w, http.StatusOK, map[string]any{"commands": leased})
}

type reportRequest struct {
	CommandID     string `json:"command_id"`
	Status        string `json:"status"`
	ResultCode    int    `json:"result_code"`
	ResultMessage string `json:"result_message"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	id, err := uuid.Parse(req.CommandID)
	if err != nil {
		http.Error(w, "invalid command_id", http.StatusBadRequest)
		return
	}
	cmd, err := s.commands.Report(r.Context(), id, req.Status, req.ResultCode, req.ResultMessage)
	if err != nil {
		writeError(w, err)
		return
	}
	observability.CommandCounter.WithLabelValues(cmd.Status).Inc()
	writeJSON(w, http.StatusOK, cmd)
}
