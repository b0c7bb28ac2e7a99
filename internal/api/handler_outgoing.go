package api

import (
	"net/http"
	"strconv"

	"github.com/Nimastz/resilient-mesh-messaging/pkg/apierrors"
)

type outgoingChunk struct {
	RowID        int64  `json:"row_id"`
	MsgID        string `json:"msg_id"`
	EnvelopeJSON string `json:"envelope_json"`
	TTL          int    `json:"ttl"`
	Retries      int    `json:"retries"`
	Status       string `json:"status"`
}

// handleOutgoingChunks returns up to `limit` queued entries
// (§4.4 GET /v1/router/outgoing_chunks?limit=N), usable for inspection or
// as an external drain cursor.
func (s *Server) handleOutgoingChunks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			apierrors.WriteHTTP(w, apierrors.New(apierrors.InvalidInput, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	rows, err := s.Store.GetOutgoing(r.Context(), limit)
	if err != nil {
		s.Log.Error("outgoing_chunks failed", map[string]any{"error": err.Error()})
		apierrors.WriteHTTP(w, apierrors.New(apierrors.DBError, "failed to list outgoing chunks"))
		return
	}

	out := make([]outgoingChunk, 0, len(rows))
	for _, row := range rows {
		out = append(out, outgoingChunk{
			RowID:        row.RowID,
			MsgID:        row.MsgID,
			EnvelopeJSON: row.EnvelopeJSON,
			TTL:          row.TTL,
			Retries:      row.Retries,
			Status:       string(row.Status),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": out})
}
