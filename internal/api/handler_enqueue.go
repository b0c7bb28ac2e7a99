package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Nimastz/resilient-mesh-messaging/internal/envelope"
	"github.com/Nimastz/resilient-mesh-messaging/internal/queuestore"
	"github.com/Nimastz/resilient-mesh-messaging/pkg/apierrors"
)

type enqueueResponse struct {
	Queued bool   `json:"queued"`
	MsgID  string `json:"msg_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// handleEnqueue is the local send path (§4.4 POST /v1/router/enqueue).
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, int64(s.Cfg.MaxCiphertextBytes)*2+4096))
	if err != nil {
		apierrors.WriteHTTP(w, apierrors.New(apierrors.InvalidInput, "failed to read request body"))
		return
	}

	env, err := envelope.Decode(raw)
	if err != nil {
		apierrors.WriteHTTP(w, err)
		return
	}

	if env.Header.TTL == 0 {
		env.Header.TTL = s.Cfg.TTLDefault
	}

	lim := envelope.Limits{
		TTLMin:             s.Cfg.TTLMin,
		TTLMax:             s.Cfg.TTLMax,
		MaxCiphertextBytes: s.Cfg.MaxCiphertextBytes,
	}
	if err := env.Validate(lim); err != nil {
		apiErr := err.(*apierrors.Error)
		if apiErr.Detail == "ciphertext exceeds max size" {
			apierrors.WriteHTTPStatus(w, http.StatusRequestEntityTooLarge, apierrors.InvalidInput, apiErr.Detail)
			return
		}
		apierrors.WriteHTTP(w, err)
		return
	}

	now := s.now()
	verdict := envelope.CheckFreshness(env.Header.TS, now, s.Cfg.MaxTSSkewSeconds, s.Cfg.MaxMsgAgeSeconds)
	switch verdict {
	case envelope.FreshnessFuture:
		apierrors.WriteHTTP(w, apierrors.New(apierrors.InvalidInput, "timestamp too far in the future"))
		return
	case envelope.FreshnessTooOld:
		writeJSON(w, http.StatusOK, enqueueResponse{Queued: false, Reason: "too_old"})
		return
	}

	if env.Routing.DupSuppress && s.isDuplicate(r.Context(), env.Header.MsgID, now) {
		writeJSON(w, http.StatusOK, enqueueResponse{Queued: false, Reason: "duplicate"})
		return
	}

	canonical, err := env.Canonical()
	if err != nil {
		apierrors.WriteHTTP(w, apierrors.New(apierrors.Internal, "failed to encode envelope"))
		return
	}

	_, err = s.Store.Enqueue(r.Context(), env.Header.MsgID, string(canonical), env.Header.TTL)
	switch {
	case err == nil:
		s.recordSeen(r.Context(), env.Header.MsgID, now)
		writeJSON(w, http.StatusOK, enqueueResponse{Queued: true, MsgID: env.Header.MsgID})
	case errors.Is(err, queuestore.ErrDuplicate):
		writeJSON(w, http.StatusOK, enqueueResponse{Queued: false, Reason: "duplicate"})
	case errors.Is(err, queuestore.ErrCapacity):
		apierrors.WriteHTTP(w, apierrors.New(apierrors.DBError, "queue at capacity"))
	default:
		s.Log.Error("enqueue failed", map[string]any{"error": err.Error()})
		apierrors.WriteHTTP(w, apierrors.New(apierrors.DBError, "failed to persist envelope"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

