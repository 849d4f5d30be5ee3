package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"entitlements/internal/api/middleware"
	"entitlements/internal/domain/event"
	"entitlements/internal/processor"
	"entitlements/internal/signature"
	"entitlements/internal/token"
	"entitlements/internal/usecase"

	"github.com/go-chi/chi/v5"
)

// Ingestor verifies and parses a webhook body.
type Ingestor interface {
	Admit(raw []byte, sig string) (event.Delivery, error)
}

type HandlerDeps struct {
	Ingestor         Ingestor
	Queue            processor.Enqueuer
	CheckAccess      *usecase.CheckAccess
	MintToken        *usecase.MintToken
	VerifyToken      *usecase.VerifyToken
	GetEventTrail    *usecase.GetEventTrail
	ListDeadLetters  *usecase.ListDeadLetters
	ReplayDeadLetter *usecase.ReplayDeadLetter
	Tokens           *token.Service
	Logger           *slog.Logger
}

type Handlers struct {
	HandlerDeps
}

func NewHandlers(deps HandlerDeps) *Handlers {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Handlers{HandlerDeps: deps}
}

// ReceiveEvent acknowledges a webhook once it is verified, parsed and queued.
// Processing happens after the response; the platform only retries on non-2xx.
func (h *Handlers) ReceiveEvent(w http.ResponseWriter, r *http.Request) {
	raw := middleware.RawBodyFromContext(r.Context())

	d, err := h.Ingestor.Admit(raw, r.Header.Get(signature.Header))
	if err != nil {
		if errors.Is(err, event.ErrMalformed) {
			h.Logger.Warn("malformed event rejected", "error", err, "payload", string(raw))
		}
		h.writeError(w, r, err)
		return
	}

	// Any queueing failure is retryable from the platform's side.
	if err := h.Queue.Enqueue(r.Context(), d); err != nil {
		h.Logger.Warn("event not queued", "event_id", d.Event.ID, "error", err)
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event queue unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "accepted",
		"eventId": d.Event.ID,
	})
}

func (h *Handlers) GetEvent(w http.ResponseWriter, r *http.Request) {
	trail, err := h.GetEventTrail.Execute(r.Context(), chi.URLParam(r, "eventId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, trail)
}

func (h *Handlers) HasAccess(w http.ResponseWriter, r *http.Request) {
	dto, err := h.CheckAccess.Execute(r.Context(), chi.URLParam(r, "actorId"), chi.URLParam(r, "subjectId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handlers) IssueToken(w http.ResponseWriter, r *http.Request) {
	dto, err := h.MintToken.Execute(r.Context(), chi.URLParam(r, "actorId"), chi.URLParam(r, "subjectId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// CheckToken answers 200 for any well-formed request; an unusable token is
// reported in the body with the reason it failed.
func (h *Handlers) CheckToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	claim, err := h.VerifyToken.Execute(r.Context(), req.Token)
	if err != nil {
		kind := token.Kind(err)
		if kind == "" {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": kind})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "claim": claim})
}

func (h *Handlers) DeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	recs, err := h.ListDeadLetters.Execute(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": recs})
}

func (h *Handlers) Replay(w http.ResponseWriter, r *http.Request) {
	dto, err := h.ReplayDeadLetter.Execute(r.Context(), chi.URLParam(r, "eventId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if dto.State != processor.StateCompleted {
		status = http.StatusAccepted
	}
	writeJSON(w, status, dto)
}

func (h *Handlers) JWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{"keys": h.Tokens.PublicJWKs()})
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, signature.ErrInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, event.ErrMalformed), errors.Is(err, token.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, processor.ErrQueueFull), errors.Is(err, processor.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case isNotFound(err):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
