/**
 * @description
 * This file contains the event handler that records every published bank event
 * into the audit trail.
 *
 * @notes
 * - Malformed messages are acknowledged and dropped so they cannot block the queue.
 * - Storage failures return false so the broker redelivers the message.
 * - Recording is idempotent on the event id, so redeliveries are harmless.
 */
package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fabio-anzola/websec-BadBank/internal/domain"
	"github.com/fabio-anzola/websec-BadBank/internal/store"
)

const auditWriteTimeout = 10 * time.Second

// AuditEventHandler handles the processing of bank events for the audit trail.
type AuditEventHandler struct {
	repo   store.AuditRepository
	logger *slog.Logger
}

// NewAuditEventHandler creates a new instance of AuditEventHandler.
func NewAuditEventHandler(repo store.AuditRepository, logger *slog.Logger) *AuditEventHandler {
	return &AuditEventHandler{repo: repo, logger: logger}
}

// HandleBankEvent stores one event. It returns true to ack the message.
func (h *AuditEventHandler) HandleBankEvent(ctx context.Context, body []byte) bool {
	var event domain.BankEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Warn("dropping malformed bank event", "error", err)
		return true
	}
	if !event.Valid() {
		h.logger.Warn("dropping bank event without id, type or timestamp", "event_type", event.Type)
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, auditWriteTimeout)
	defer cancel()

	if err := h.repo.RecordEvent(ctx, event, body); err != nil {
		h.logger.Error("failed to record bank event; requeueing", "event_id", event.EventID, "event_type", event.Type, "error", err)
		return false
	}
	h.logger.Debug("bank event recorded", "event_id", event.EventID, "event_type", event.Type)
	return true
}
