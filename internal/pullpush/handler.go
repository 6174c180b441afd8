package pullpush

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hls-pullpush/internal/output"
)

// Handler exposes the fetcher HTTP endpoints using go-chi.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler returns a Handler that delegates to the given Service.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Routes mounts the fetcher endpoints on a router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/fetcher", h.StartFetcher)
	r.Get("/fetcher", h.ListFetchers)
	r.Delete("/fetcher/{fetcherId}", h.DeleteFetcher)
}

type startFetcherResponse struct {
	Message     string              `json:"message"`
	FetcherID   string              `json:"fetcherId"`
	RequestData StartFetcherRequest `json:"requestData"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// StartFetcher handles POST /fetcher.
// Body: { "name": ..., "url": ..., "output": ..., "payload": {...},
// "concurrency"?: n, "windowSize"?: seconds }.
func (h *Handler) StartFetcher(w http.ResponseWriter, r *http.Request) {
	var req StartFetcherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid fetcher body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusNotFound, errorResponse{Message: "Invalid request body"})
		return
	}
	if req.Name == "" || req.URL == "" || req.Output == "" || len(req.Payload) == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Message: "Missing request body keys"})
		return
	}

	session, err := h.svc.StartFetcher(req)
	if err != nil {
		switch {
		case errors.Is(err, output.ErrUnknownPlugin):
			writeJSON(w, http.StatusNotFound, errorResponse{Message: "Unsupported Plugin Type '" + req.Output + "'"})
		default:
			h.log.Info("fetcher creation rejected", slog.String("error", err.Error()))
			writeJSON(w, http.StatusNotFound, errorResponse{Message: err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusOK, startFetcherResponse{
		Message:     "Created a Fetcher and started pulling from HLS Live Stream",
		FetcherID:   session.ID,
		RequestData: req,
	})
}

// ListFetchers handles GET /fetcher.
func (h *Handler) ListFetchers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ActiveFetchers())
}

// DeleteFetcher handles DELETE /fetcher/{fetcherId}. The session's stop
// sequence is awaited before the entry disappears from the registry.
func (h *Handler) DeleteFetcher(w http.ResponseWriter, r *http.Request) {
	fetcherID := chi.URLParam(r, "fetcherId")

	err := h.svc.StopFetcher(r.Context(), fetcherID)
	switch {
	case errors.Is(err, ErrFetcherNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{
			Message: "Fetcher with ID: '" + fetcherID + "' was not found",
		})
	case err != nil:
		h.log.Error("fetcher stop failed",
			slog.String("session_id", fetcherID),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: err.Error()})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
