package api

import (
	"net/http"
	"strconv"

	"github.com/Nimastz/resilient-mesh-messaging/internal/ids"
	"github.com/Nimastz/resilient-mesh-messaging/pkg/apierrors"
)

type queueDebugRow struct {
	RowID      int64  `json:"row_id"`
	MsgID      string `json:"msg_id"`
	TTL        int    `json:"ttl"`
	Retries    int    `json:"retries"`
	Status     string `json:"status"`
	Delivered  bool   `json:"delivered"`
	LastUpdate string `json:"last_update"`
}

// handleQueueDebug dumps every queue row regardless of status
// (§4.4 GET /v1/router/queue_debug, debug-gated).
func (s *Server) handleQueueDebug(w http.ResponseWriter, r *http.Request) {
	rows, err := s.Store.AllRows(r.Context())
	if err != nil {
		s.Log.Error("queue_debug failed", map[string]any{"error": err.Error()})
		apierrors.WriteHTTP(w, apierrors.New(apierrors.DBError, "failed to list queue rows"))
		return
	}
	out := make([]queueDebugRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, queueDebugRow{
			RowID:      row.RowID,
			MsgID:      row.MsgID,
			TTL:        row.TTL,
			Retries:    row.Retries,
			Status:     string(row.Status),
			Delivered:  row.Delivered,
			LastUpdate: row.LastUpdate.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": out})
}

// handleStats reports queue occupancy by terminal/non-terminal status
// (§4.4 GET /v1/router/stats, debug-gated).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Store.Stats(r.Context())
	if err != nil {
		s.Log.Error("stats failed", map[string]any{"error": err.Error()})
		apierrors.WriteHTTP(w, apierrors.New(apierrors.DBError, "failed to compute stats"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queued":           st.Queued,
		"delivered":        st.Delivered,
		"ttl_expired":      st.TTLExpired,
		"max_retries":      st.MaxRetries,
		"invalid_envelope": st.InvalidEnvelope,
	})
}

// handleIDSLogTail returns the most recent anonymized suspicious-event
// records (§4.4 GET /v1/router/ids_log_tail, debug-gated). The log on disk
// is already hashed at emit time (ids.SuspiciousLogger.Write), so this
// handler never sees raw peer or msg identifiers.
func (s *Server) handleIDSLogTail(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			apierrors.WriteHTTP(w, apierrors.New(apierrors.InvalidInput, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	lines, err := ids.TailLines(s.Cfg.SuspiciousLogPath, limit)
	if err != nil {
		s.Log.Error("ids_log_tail failed", map[string]any{"error": err.Error()})
		apierrors.WriteHTTP(w, apierrors.New(apierrors.Internal, "failed to read suspicious log"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}
