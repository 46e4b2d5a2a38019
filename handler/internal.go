package handler

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"

	"flash-queue/apperror"
	"flash-queue/service"
)

const TokenHeader = "X-Internal-Token"

type EvidenceService interface {
	Winners(ctx context.Context, itemID int64, limit int, sinceSeconds int64) (*service.WinnersReport, error)
}

// InternalHandler serves operator endpoints. Every route is refused with
// 503 until a token is configured.
type InternalHandler struct {
	Evidence EvidenceService
	Token    string
	// ReplayDeadLetters, if set, is started in the background by the
	// recover endpoint.
	ReplayDeadLetters func(ctx context.Context)
	logger            *slog.Logger
}

func NewInternalHandler(evidence EvidenceService, token string, logger *slog.Logger) *InternalHandler {
	return &InternalHandler{Evidence: evidence, Token: token, logger: logger}
}

func (h *InternalHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /internal/flashsale/{itemId}/winners", h.guard(h.Winners))
	mux.HandleFunc("POST /internal/flashsale/recover-dlq", h.guard(h.RecoverDLQ))
}

func (h *InternalHandler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Token == "" {
			writeError(w, h.logger, apperror.ErrInternalAPIOff)
			return
		}
		got := r.Header.Get(TokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.Token)) != 1 {
			writeError(w, h.logger, apperror.ErrUnauthorized)
			return
		}
		next(w, r)
	}
}

// Winners: ?limit= (default 50, clamped to [1,2000]) &sinceSeconds= (0 = all).
func (h *InternalHandler) Winners(w http.ResponseWriter, r *http.Request) {
	itemID, err := strconv.ParseInt(r.PathValue("itemId"), 10, 64)
	if err != nil {
		writeError(w, h.logger, apperror.ErrInvalidItem)
		return
	}

	q := r.URL.Query()
	limit := service.DefaultWinnersLimit
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			writeError(w, h.logger, apperror.New(apperror.CodeValidation, "limit must be an integer"))
			return
		}
	}
	var since int64
	if raw := q.Get("sinceSeconds"); raw != "" {
		if since, err = strconv.ParseInt(raw, 10, 64); err != nil {
			writeError(w, h.logger, apperror.New(apperror.CodeValidation, "sinceSeconds must be an integer"))
			return
		}
	}

	report, err := h.Evidence.Winners(r.Context(), itemID, limit, since)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *InternalHandler) RecoverDLQ(w http.ResponseWriter, r *http.Request) {
	if h.ReplayDeadLetters == nil {
		writeError(w, h.logger, apperror.New(apperror.CodeUnavailable, "outcome consumer is not running"))
		return
	}
	go h.ReplayDeadLetters(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "dead letter replay started"})
}
