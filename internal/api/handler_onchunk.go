package api

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"github.com/Nimastz/resilient-mesh-messaging/internal/envelope"
	"github.com/Nimastz/resilient-mesh-messaging/pkg/apierrors"
)

type linkMeta struct {
	Peer string  `json:"peer"`
	RSSI float64 `json:"rssi"`
}

type onChunkRequest struct {
	Chunk    json.RawMessage `json:"chunk"`
	LinkMeta linkMeta        `json:"link_meta"`
}

type onChunkResponse struct {
	Accepted bool   `json:"accepted"`
	Action   string `json:"action"`
}

// handleOnChunkReceived is the wireless ingress callback
// (§4.4 POST /v1/router/on_chunk_received). link_meta.peer is informational
// only and never used for authorization or rate-limiting keys (§4.3 "Peer
// identifier provenance"); all such decisions key on header.sender_fp.
func (s *Server) handleOnChunkReceived(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, int64(s.Cfg.MaxCiphertextBytes)*2+4096))
	if err != nil {
		apierrors.WriteHTTP(w, apierrors.New(apierrors.InvalidInput, "failed to read request body"))
		return
	}

	var req onChunkRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.IDS.LogSuspicious("INVALID_ENVELOPE", req.LinkMeta.Peer, "", "malformed ingress body", nil)
		apierrors.WriteHTTP(w, apierrors.New(apierrors.InvalidInput, "malformed request body"))
		return
	}

	env, err := envelope.Decode(req.Chunk)
	if err != nil {
		s.IDS.LogSuspicious("INVALID_ENVELOPE", req.LinkMeta.Peer, "", "envelope failed to parse", nil)
		apierrors.WriteHTTP(w, err)
		return
	}

	senderFP := env.Header.SenderFP

	decoded, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		apierrors.WriteHTTP(w, apierrors.New(apierrors.InvalidInput, "ciphertext must be base64"))
		return
	}
	if s.Cfg.MaxCiphertextBytes > 0 && len(decoded) > s.Cfg.MaxCiphertextBytes {
		apierrors.WriteHTTP(w, apierrors.New(apierrors.InvalidInput, "ciphertext exceeds max size"))
		return
	}

	now := s.now()
	switch envelope.CheckFreshness(env.Header.TS, now, s.Cfg.MaxTSSkewSeconds, s.Cfg.MaxMsgAgeSeconds) {
	case envelope.FreshnessFuture:
		apierrors.WriteHTTP(w, apierrors.New(apierrors.InvalidInput, "timestamp too far in the future"))
		return
	case envelope.FreshnessTooOld:
		writeJSON(w, http.StatusOK, onChunkResponse{Accepted: false, Action: "drop"})
		return
	}

	if env.Header.TTL <= 0 {
		s.IDS.LogSuspicious("TTL_EXPIRED", senderFP, env.Header.MsgID, "ttl exhausted at ingress", nil)
		apierrors.WriteHTTPStatus(w, http.StatusGone, apierrors.TTLExpired, "ttl exhausted")
		return
	}
	if env.Header.TTL > s.Cfg.TTLMax {
		apierrors.WriteHTTP(w, apierrors.New(apierrors.InvalidInput, "ttl exceeds max_ttl"))
		return
	}

	if env.Routing.DupSuppress && s.isDuplicate(r.Context(), env.Header.MsgID, now) {
		s.IDS.LogSuspicious("DUPLICATE", senderFP, env.Header.MsgID, "duplicate msg_id on ingress", map[string]any{"link_peer": req.LinkMeta.Peer})
		writeJSON(w, http.StatusOK, onChunkResponse{Accepted: false, Action: "drop"})
		return
	}

	if s.IDS.IsRateLimited(senderFP) {
		s.IDS.LogSuspicious("RATE_LIMIT", senderFP, env.Header.MsgID, "sender exceeded sliding window budget", map[string]any{"link_peer": req.LinkMeta.Peer})
		writeJSON(w, http.StatusOK, onChunkResponse{Accepted: false, Action: "drop"})
		return
	}

	s.recordSeen(r.Context(), env.Header.MsgID, now)

	if s.Cfg.ForwardingEnabled {
		// §9 open question: the core only returns the "forward" label; the
		// caller is expected to re-enqueue via /enqueue for the next hop.
		writeJSON(w, http.StatusOK, onChunkResponse{Accepted: true, Action: "forward"})
		return
	}
	writeJSON(w, http.StatusOK, onChunkResponse{Accepted: true, Action: "final"})
}
