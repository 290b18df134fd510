// Package api exposes the step record, session, sync and leaderboard endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"example.com/stepcount/internal/auth"
	"example.com/stepcount/internal/domain"
	"example.com/stepcount/internal/leaderboard"
	"example.com/stepcount/internal/persistence"
)

// MaxSyncBatch bounds the entries accepted by one offline sync request.
const MaxSyncBatch = 500

// SessionLister pages a user's activity sessions.
type SessionLister interface {
	ListSessions(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.ActivitySession, *domain.Cursor, error)
}

// Handler coordinates HTTP requests with the domain and leaderboard services.
type Handler struct {
	service  *domain.Service
	sessions SessionLister
	boards   *leaderboard.Service
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, sessions SessionLister, boards *leaderboard.Service) *Handler {
	return &Handler{service: service, sessions: sessions, boards: boards}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/steps", h.steps)
	mux.HandleFunc("/v1/sessions", h.activitySessions)
	mux.HandleFunc("/v1/sync/offline", h.syncOffline)
	mux.HandleFunc("/v1/leaderboard", h.globalLeaderboard)
	mux.HandleFunc("/v1/competitions/", h.competitionLeaderboard)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) steps(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.saveDailyRecord(w, r)
	case http.MethodGet:
		h.getSteps(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) activitySessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.recordSession(w, r)
	case http.MethodGet:
		h.listSessions(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) saveDailyRecord(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeStepsWrite)
	if !ok {
		return
	}

	var record domain.DailyStepRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if !auth.CanAccessUser(claims, record.UserID) {
		writeError(w, http.StatusForbidden, "forbidden", "cannot write another user's steps")
		return
	}

	stored, err := h.service.SaveDailyRecord(r.Context(), record)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (h *Handler) getSteps(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeStepsRead, auth.ScopeStepsWrite)
	if !ok {
		return
	}

	query := r.URL.Query()
	userID := strings.TrimSpace(query.Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "missing user_id parameter")
		return
	}
	if !auth.CanAccessUser(claims, userID) {
		writeError(w, http.StatusForbidden, "forbidden", "cannot read another user's steps")
		return
	}

	if raw := query.Get("date"); raw != "" {
		date, err := domain.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "invalid date")
			return
		}
		record, err := h.service.GetDailyRecord(r.Context(), userID, date)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
		return
	}

	var (
		records []domain.DailyStepRecord
		err     error
	)
	if query.Get("start_date") != "" || query.Get("end_date") != "" {
		start, startErr := domain.ParseDate(query.Get("start_date"))
		end, endErr := domain.ParseDate(query.Get("end_date"))
		if startErr != nil || endErr != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "start_date and end_date must be YYYY-MM-DD")
			return
		}
		records, err = h.service.ListRange(r.Context(), userID, start, end)
	} else {
		records, err = h.service.ListPeriod(r.Context(), userID, query.Get("period"))
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListStepsResponse{Records: records})
}

func (h *Handler) recordSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeStepsWrite)
	if !ok {
		return
	}

	var session domain.ActivitySession
	if err := json.NewDecoder(r.Body).Decode(&session); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if !auth.CanAccessUser(claims, session.UserID) {
		writeError(w, http.StatusForbidden, "forbidden", "cannot write another user's sessions")
		return
	}

	stored, err := h.service.RecordSession(r.Context(), session)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeStepsRead, auth.ScopeStepsWrite)
	if !ok {
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "missing user_id parameter")
		return
	}
	if !auth.CanAccessUser(claims, userID) {
		writeError(w, http.StatusForbidden, "forbidden", "cannot read another user's sessions")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	items, next, err := h.sessions.ListSessions(r.Context(), userID, cursor, domain.ClampPageSize(limit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ListSessionsResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) syncOffline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeStepsWrite)
	if !ok {
		return
	}

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if len(req.Records)+len(req.Sessions) > MaxSyncBatch {
		writeError(w, http.StatusRequestEntityTooLarge, "batch_too_large", fmt.Sprintf("at most %d entries per request", MaxSyncBatch))
		return
	}

	resp := SyncResponse{Results: make([]SyncResult, 0, len(req.Records)+len(req.Sessions))}
	for _, record := range req.Records {
		result := SyncResult{Kind: "record", Key: record.UserID + ":" + record.Date.String()}
		if !auth.CanAccessUser(claims, record.UserID) {
			result.Error = "forbidden"
		} else if _, err := h.service.SaveDailyRecord(r.Context(), record); err != nil {
			result.Error = err.Error()
		}
		resp.add(result)
	}
	for _, session := range req.Sessions {
		result := SyncResult{Kind: "session", Key: session.ID}
		if !auth.CanAccessUser(claims, session.UserID) {
			result.Error = "forbidden"
		} else if stored, err := h.service.RecordSession(r.Context(), session); err != nil {
			result.Error = err.Error()
		} else {
			result.Key = stored.ID
		}
		resp.add(result)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) globalLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeStepsRead, auth.ScopeStepsWrite)
	if !ok {
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = claims.Subject
	}
	board, err := h.boards.Global(r.Context(), r.URL.Query().Get("period"), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (h *Handler) competitionLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if _, ok := requireScope(w, r, auth.ScopeStepsRead, auth.ScopeStepsWrite); !ok {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/competitions/")
	id, suffix, found := strings.Cut(rest, "/")
	if !found || id == "" || suffix != "leaderboard" {
		writeError(w, http.StatusNotFound, "not_found", "unknown competition route")
		return
	}

	participants, err := h.boards.CompetitionBoard(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, CompetitionLeaderboardResponse{CompetitionID: id, Leaderboard: participants})
}

// requireScope checks that the request carries claims holding any of scopes and writes the
// error response when it does not.
func requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if auth.HasAnyScope(claims, scopes...) {
		return claims, true
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
	return nil, false
}

// ListStepsResponse packages range and period results.
type ListStepsResponse struct {
	Records []domain.DailyStepRecord `json:"records"`
}

// ListSessionsResponse packages a page of sessions.
type ListSessionsResponse struct {
	Items      []domain.ActivitySession `json:"items"`
	NextCursor string                   `json:"next_cursor,omitempty"`
}

// SyncRequest is the payload for POST /v1/sync/offline.
type SyncRequest struct {
	Records  []domain.DailyStepRecord `json:"records"`
	Sessions []domain.ActivitySession `json:"sessions"`
}

// SyncResult reports the outcome of one entry; Error is empty on success.
type SyncResult struct {
	Kind  string `json:"kind"`
	Key   string `json:"key"`
	Error string `json:"error,omitempty"`
}

// SyncResponse lists per-entry results in request order, records first.
type SyncResponse struct {
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Results   []SyncResult `json:"results"`
}

func (r *SyncResponse) add(result SyncResult) {
	if result.Error == "" {
		r.Succeeded++
	} else {
		r.Failed++
	}
	r.Results = append(r.Results, result)
}

// CompetitionLeaderboardResponse carries maintained competition standings.
type CompetitionLeaderboardResponse struct {
	CompetitionID string                          `json:"competition_id"`
	Leaderboard   []domain.CompetitionParticipant `json:"leaderboard"`
}

func writeDomainError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrInvalidRecord) {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "server_error", err.Error())
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
