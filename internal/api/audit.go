package api

import (
	"context"
	"net/http"

	"github.com/nerrad567/iotdash-core/internal/audit"
)

// recordAudit appends an operator action to the audit trail. Failures are
// logged and never fail the request.
func (s *Server) recordAudit(ctx context.Context, action, deviceID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	entry := &audit.Entry{
		Action:   action,
		DeviceID: deviceID,
		Subject:  subjectFrom(ctx),
		Source:   audit.SourceAPI,
		Details:  details,
	}
	if err := s.audit.Create(ctx, entry); err != nil {
		s.logger.Error("writing audit entry failed", "action", action, "device_id", deviceID, "error", err)
	}
}

// handleListAudit returns operator actions, newest first.
// Query: ?action=, ?device_id=, ?limit= (max 200), ?offset=.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeUnavailable(w, "audit trail is not configured")
		return
	}

	limit, err := queryInt(r, "limit", 0)
	if err != nil || limit < 0 {
		writeBadRequest(w, "limit must be a non-negative integer")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeBadRequest(w, "offset must be a non-negative integer")
		return
	}

	q := r.URL.Query()
	res, err := s.audit.List(r.Context(), audit.Filter{
		Action:   q.Get("action"),
		DeviceID: q.Get("device_id"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		writeInternalError(w, "failed to query audit trail")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
