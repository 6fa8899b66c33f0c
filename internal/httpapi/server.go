package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"edgeplane/internal/audit"
	"edgeplane/internal/command"
	"edgeplane/internal/leader"
	"edgeplane/internal/store"
	"edgeplane/internal/telemetry"
)

type Server struct {
	pipeline  *telemetry.Pipeline
	tiers     *telemetry.Store
	commands  *command.Service
	chain     *audit.Chain
	locks     *leader.Lock
	keys      *store.Keys
	pollLimit int
}

func NewServer(pipeline *telemetry.Pipeline, tiers *telemetry.Store, commands *command.Service,
	chain *audit.Chain, locks *leader.Lock, keys *store.Keys, pollLimit int) *Server {
	if pollLimit <= 0 {
		pollLimit = 10
	}
	return &Server{
		pipeline: pipeline, tiers: tiers, commands: commands,
		chain: chain, locks: locks, keys: keys, pollLimit: pollLimit,
	}
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })

	r.Route("/api/agent", func(r chi.Router) {
		r.Use(s.agentAuth)
		r.Post("/upload", s.handleUpload)
		r.Post("/commands/poll", s.handlePoll)
		r.Post("/commands/report", s.handleReport)
	})

	// Operator surface; authentication lives in the gateway in front.
	r.Post("/api/commands", s.handleCreateCommand)
	r.Post("/api/commands/{id}/cancel", s.handleCancelCommand)
	r.Get("/api/commands", s.handleListCommands)
	r.Get("/api/telemetry/live", s.handleLive)
	r.Get("/api/telemetry/history", s.handleHistory)
	r.Get("/api/audit/events", s.handleAuditEvents)
	r.Get("/api/audit/verify", s.handleAuditVerify)
	r.Get("/api/scheduler/locks", s.handleLockStatus)
	r.Post("/api/sites/{siteID}/keys", s.handleMintKey)
	r.Get("/api/sites/{siteID}/keys", s.handleListKeys)
	r.Post("/api/sites/{siteID}/keys/{keyID}/revoke", s.handleRevokeKey)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, command.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, command.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, command.ErrInvalidStatus):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrUnauthorized):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	default:
		slog.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

type createCommandRequest struct {
	SiteID     int64                `json:"site_id"`
	DeviceID   string               `json:"device_id"`
	Type       string               `json:"type"`
	Params     json.RawMessage      `json:"params,omitempty"`
	Priority   int                  `json:"priority"`
	TTLSeconds int                  `json:"ttl_seconds"`
	MaxRetries int                  `json:"max_retries"`
	Actor      string               `json:"actor"`
	Trigger    *command.RuleTrigger `json:"trigger,omitempty"`
}

func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	var req createCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	cmd, created, err := s.commands.Create(r.Context(), command.CreateRequest{
		SiteID: req.SiteID, DeviceID: req.DeviceID, Type: req.Type,
		Params: req.Params, Priority: req.Priority,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
		MaxRetries: req.MaxRetries, Actor: req.Actor, Trigger: req.Trigger,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if !created {
		// Dedup suppressed creation; the in-flight command comes back.
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"command": cmd, "created": created})
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid command id", http.StatusBadRequest)
		return
	}
	var body struct {
		Actor string `json:"actor"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	cmd, err := s.commands.Cancel(r.Context(), id, body.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	siteID, err := queryInt64(r, "site_id")
	if err != nil {
		http.Error(w, "site_id is required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.commands.List(r.Context(), siteID, r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": rows})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	siteID, err := queryInt64(r, "site_id")
	if err != nil {
		http.Error(w, "site_id is required", http.StatusBadRequest)
		return
	}
	if deviceID := strings.TrimSpace(r.URL.Query().Get("device_id")); deviceID != "" {
		row, err := s.tiers.LiveDevice(r.Context(), siteID, deviceID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				http.Error(w, "device not found", http.StatusNotFound)
				return
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"devices": []store.LiveTelemetry{*row}})
		return
	}
	rows, err := s.tiers.Live(r.Context(), siteID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": rows})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	siteID, err := queryInt64(r, "site_id")
	if err != nil {
		http.Error(w, "site_id is required", http.StatusBadRequest)
		return
	}
	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
	if deviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}
	from, err := parseTime(r.URL.Query().Get("from"))
	if err != nil {
		http.Error(w, "invalid from", http.StatusBadRequest)
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"))
	if err != nil {
		http.Error(w, "invalid to", http.StatusBadRequest)
		return
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	series, err := s.tiers.QueryHistory(r.Context(), siteID, deviceID, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	siteID, err := queryInt64(r, "site_id")
	if err != nil {
		http.Error(w, "site_id is required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.chain.List(r.Context(), siteID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": rows})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	siteID, err := queryInt64(r, "site_id")
	if err != nil {
		http.Error(w, "site_id is required", http.StatusBadRequest)
		return
	}
	fromID, _ := strconv.ParseUint(r.URL.Query().Get("from_id"), 10, 64)
	toID, _ := strconv.ParseUint(r.URL.Query().Get("to_id"), 10, 64)
	res, err := s.chain.Verify(r.Context(), siteID, fromID, toID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	rows, err := s.locks.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": rows})
}

func (s *Server) handleMintKey(w http.ResponseWriter, r *http.Request) {
	siteID, err := strconv.ParseInt(chi.URLParam(r, "siteID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid site id", http.StatusBadRequest)
		return
	}
	var body struct {
		Label string `json:"label"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	rec, plaintext, err := s.keys.Mint(r.Context(), siteID, body.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	// The plaintext key is shown exactly once.
	writeJSON(w, http.StatusCreated, map[string]any{"key": rec, "api_key": plaintext})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	siteID, err := strconv.ParseInt(chi.URLParam(r, "siteID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid site id", http.StatusBadRequest)
		return
	}
	rows, err := s.keys.List(r.Context(), siteID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": rows})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	siteID, err := strconv.ParseInt(chi.URLParam(r, "siteID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid site id", http.StatusBadRequest)
		return
	}
	keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		http.Error(w, "invalid key id", http.StatusBadRequest)
		return
	}
	if err := s.keys.Revoke(r.Context(), siteID, keyID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

func queryInt64(r *http.Request, key string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get(key)), 10, 64)
}

func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, err
		}
	}
	return t.UTC(), nil
}
