package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/guildworks/guildrelay/internal/archive"
	"github.com/guildworks/guildrelay/internal/domain"
)

// statusFor maps coordinator error codes onto HTTP statuses.
func statusFor(resp *domain.UnifiedResponse) int {
	if resp.Success {
		return http.StatusOK
	}
	switch resp.ErrorCode {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeAllTransportsFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req domain.UnifiedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Source == "" {
		req.Source = domain.SourceREST
	}

	resp := s.coordinator.ProcessRequest(r.Context(), &req)
	s.writeJSON(w, statusFor(resp), resp)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	op, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "operation not found or expired")
			return
		}
		s.logger.Error("operation lookup failed",
			slog.String("id", id),
			slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "state store unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	if s.archiveDB == nil {
		s.writeError(w, http.StatusNotFound, "operation archive not enabled")
		return
	}

	opts := archive.ListOptions{
		GuildID: r.URL.Query().Get("guild_id"),
		Type:    r.URL.Query().Get("type"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			opts.Limit = n
		}
	}

	records, err := s.archiveDB.List(r.Context(), opts)
	if err != nil {
		s.logger.Error("archive query failed", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "archive unavailable")
		return
	}
	if records == nil {
		records = []archive.Record{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"operations": records})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sampler.Snapshot(r.Context()))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
