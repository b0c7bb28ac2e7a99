package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/Nimastz/resilient-mesh-messaging/pkg/apierrors"
)

type markDeliveredRequest struct {
	RowID int64 `json:"row_id"`
}

// handleMarkDelivered is the terminal ack path (§4.4 POST
// /v1/router/mark_delivered). Idempotent: a second call against an
// already-terminal row is a no-op (the store itself guarantees this).
func (s *Server) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		apierrors.WriteHTTP(w, apierrors.New(apierrors.InvalidInput, "failed to read request body"))
		return
	}
	var req markDeliveredRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.RowID <= 0 {
		apierrors.WriteHTTP(w, apierrors.New(apierrors.InvalidInput, "row_id required"))
		return
	}
	if err := s.Store.MarkDelivered(r.Context(), req.RowID); err != nil {
		s.Log.Error("mark_delivered failed", map[string]any{"error": err.Error(), "row_id": req.RowID})
		apierrors.WriteHTTP(w, apierrors.New(apierrors.DBError, "failed to mark delivered"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
