package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"flash-queue/apperror"
	"flash-queue/service"
)

// UserHeader carries the caller's identity, set by the gateway in front of
// this service.
const UserHeader = "X-User-Id"

type FlashSaleService interface {
	JoinQueue(ctx context.Context, userID string, itemID int64) (*service.JoinResult, error)
	GetTicketStatus(ctx context.Context, ticketID string) (*service.StatusSnapshot, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

/*
 * FlashSaleHandler is the client-facing surface: join a queue, then poll the
 * ticket until it is decided. Each poll doubles as the ticket's heartbeat.
 */
type FlashSaleHandler struct {
	Service FlashSaleService
	Store   Pinger
	logger  *slog.Logger
}

func NewFlashSaleHandler(svc FlashSaleService, store Pinger, logger *slog.Logger) *FlashSaleHandler {
	return &FlashSaleHandler{Service: svc, Store: store, logger: logger}
}

func (h *FlashSaleHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /flashsale/items/{itemId}/join", h.Join)
	mux.HandleFunc("GET /flashsale/tickets/{ticketId}", h.Status)
	mux.HandleFunc("GET /healthz", h.Health)
}

// Join answers 202: the ticket is queued, not decided.
func (h *FlashSaleHandler) Join(w http.ResponseWriter, r *http.Request) {
	itemID, err := strconv.ParseInt(r.PathValue("itemId"), 10, 64)
	if err != nil {
		writeError(w, h.logger, apperror.ErrInvalidItem)
		return
	}

	res, err := h.Service.JoinQueue(r.Context(), r.Header.Get(UserHeader), itemID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *FlashSaleHandler) Status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Service.GetTicketStatus(r.Context(), r.PathValue("ticketId"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *FlashSaleHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, h.logger, apperror.Wrap(err, apperror.CodeUnavailable, "fast store unreachable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
