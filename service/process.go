package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"flash-queue/apperror"
	"flash-queue/metrics"
	"flash-queue/model"
)

// Outcome reports what ProcessTicket did with one dequeued ticket.
type Outcome struct {
	TicketID string
	// Status is the terminal status written; empty when Skipped.
	Status  model.Status
	OrderID int64
	Skipped bool
	Reason  string
	Err     error
}

// ProcessTicket runs the admission of a dequeued ticket: reserve one unit,
// write the order, record the terminal status. Tickets that are gone or
// no longer QUEUED are left alone, so processing the same ticket twice is
// harmless. Failures never escape as panics; they end in ERROR.
func (s *FlashSaleService) ProcessTicket(ctx context.Context, ticketID string) Outcome {
	t, err := s.Tickets.Get(ctx, ticketID)
	switch {
	case apperror.IsNotFound(err):
		return Outcome{TicketID: ticketID, Skipped: true, Reason: "expired"}
	case apperror.IsMalformed(err):
		return s.failMalformed(ctx, ticketID, err)
	case err != nil:
		return Outcome{TicketID: ticketID, Skipped: true, Reason: "read failed", Err: err}
	}

	if !t.Status.CanTransition(model.StatusProcessing) {
		return Outcome{TicketID: ticketID, Skipped: true, Reason: "already " + string(t.Status)}
	}

	ok, err := s.Tickets.Update(ctx, ticketID, map[string]any{
		model.FieldStatus: string(model.StatusProcessing),
	})
	if err != nil {
		return Outcome{TicketID: ticketID, Skipped: true, Reason: "mark processing", Err: err}
	}
	if !ok {
		return Outcome{TicketID: ticketID, Skipped: true, Reason: "expired"}
	}
	// Polls do not extend a PROCESSING ticket; hold its marker as long.
	if s.opts.ProcessingTTL > 0 {
		if _, err := s.Markers.Refresh(ctx, t.ItemID, t.UserID, s.opts.ProcessingTTL); err != nil {
			s.logger.Warn("hold active marker", "ticket_id", ticketID, "error", err)
		}
	}

	start := time.Now()
	status, orderID, cause := s.reserveAndOrder(ctx, t)
	metrics.ProcessDuration.Observe(time.Since(start).Seconds())

	return s.finish(ctx, t, status, orderID, cause)
}

func (s *FlashSaleService) reserveAndOrder(ctx context.Context, t *model.Ticket) (status model.Status, orderID int64, cause error) {
	defer func() {
		if r := recover(); r != nil {
			status, orderID = model.StatusError, 0
			cause = apperror.New(apperror.CodeInternal, fmt.Sprintf("panic while processing: %v", r))
		}
	}()

	reserved, err := s.Inventory.Reserve(ctx, t.ItemID, 1)
	if err != nil {
		return model.StatusError, 0, apperror.Wrap(err, apperror.CodeReservationFailed, "reserve stock")
	}
	if !reserved {
		return model.StatusSoldOut, 0, nil
	}

	// Stock is taken from here on. A failed order write leaves it taken.
	orderID, err = s.Orders.CreateOrder(ctx, t.UserID, t.ItemID, 1)
	if err != nil {
		return model.StatusError, 0, apperror.Wrap(err, apperror.CodeOrderWriteFailed, "create order")
	}
	return model.StatusSuccess, orderID, nil
}

// finish writes the terminal status even if ctx was cancelled meanwhile; a
// ticket left in PROCESSING would never be picked up again.
func (s *FlashSaleService) finish(ctx context.Context, t *model.Ticket, status model.Status, orderID int64, cause error) Outcome {
	ctx = context.WithoutCancel(ctx)
	if !model.StatusProcessing.CanTransition(status) {
		cause = apperror.New(apperror.CodeInternal, fmt.Sprintf("processing cannot end in %s", status))
		status, orderID = model.StatusError, 0
	}
	out := Outcome{TicketID: t.ID, Status: status, OrderID: orderID, Err: cause}

	fields := map[string]any{model.FieldStatus: string(status)}
	if orderID > 0 {
		fields[model.FieldOrderID] = strconv.FormatInt(orderID, 10)
	}
	if _, err := s.Tickets.Update(ctx, t.ID, fields); err != nil {
		s.logger.Error("write terminal status", "ticket_id", t.ID, "status", status, "error", err)
		if out.Err == nil {
			out.Err = err
		}
	}
	if _, err := s.Tickets.SetResultTTL(ctx, t.ID, s.opts.ResultTTL); err != nil {
		s.logger.Warn("set result ttl", "ticket_id", t.ID, "error", err)
	}
	s.dropMarker(ctx, t.ItemID, t.UserID, t.ID)

	metrics.TicketOutcomes.WithLabelValues(string(status)).Inc()
	if cause != nil {
		out.Reason = cause.Error()
		s.logger.Error("ticket failed", "ticket_id", t.ID, "item_id", t.ItemID, "code", apperror.CodeOf(cause), "error", cause)
	} else {
		s.logger.Info("ticket decided", "ticket_id", t.ID, "item_id", t.ItemID, "status", status, "order_id", orderID)
	}

	s.publish(ctx, model.OutcomeEvent{
		TicketID:   t.ID,
		UserID:     t.UserID,
		ItemID:     t.ItemID,
		Status:     status,
		EnqueueSeq: t.EnqueueSeq,
		DequeueSeq: t.DequeueSeq,
		OrderID:    orderID,
		Reason:     out.Reason,
		DecidedAt:  s.now(),
	})
	return out
}

// failMalformed marks an unparseable record ERROR. Its owner is unknown, so
// the marker is left to lapse.
func (s *FlashSaleService) failMalformed(ctx context.Context, ticketID string, cause error) Outcome {
	ctx = context.WithoutCancel(ctx)
	out := Outcome{TicketID: ticketID, Status: model.StatusError, Reason: cause.Error(), Err: cause}

	ok, err := s.Tickets.Update(ctx, ticketID, map[string]any{model.FieldStatus: string(model.StatusError)})
	if err != nil || !ok {
		out.Status, out.Skipped = "", true
		if err != nil {
			s.logger.Error("mark malformed ticket", "ticket_id", ticketID, "error", err)
		}
		return out
	}
	if _, err := s.Tickets.SetResultTTL(ctx, ticketID, s.opts.ResultTTL); err != nil {
		s.logger.Warn("set result ttl", "ticket_id", ticketID, "error", err)
	}

	metrics.TicketOutcomes.WithLabelValues(string(model.StatusError)).Inc()
	s.logger.Error("malformed ticket", "ticket_id", ticketID, "error", cause)
	s.publish(ctx, model.OutcomeEvent{
		TicketID:  ticketID,
		Status:    model.StatusError,
		Reason:    out.Reason,
		DecidedAt: s.now(),
	})
	return out
}

func (s *FlashSaleService) publish(ctx context.Context, ev model.OutcomeEvent) {
	if err := s.Publisher.PublishOutcome(ctx, ev); err != nil {
		s.logger.Warn("publish outcome", "ticket_id", ev.TicketID, "status", ev.Status, "error", err)
	}
}
