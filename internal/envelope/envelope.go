// Package envelope implements the canonical, validated structure for every
// message in flight (§3, §4.1). Parsing is strict for header fields;
// unknown top-level fields are tolerated but never alter routing
// semantics.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/Nimastz/resilient-mesh-messaging/pkg/apierrors"
)

// WireVersion is the only version this routing core accepts.
const WireVersion = "1.0"

// Priority enumerates the values routing.priority may take.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Header carries the trust identifiers and hop bookkeeping (§3).
type Header struct {
	SenderFP    string `json:"sender_fp"`
	RecipientFP string `json:"recipient_fp"`
	MsgID       string `json:"msg_id"`
	Nonce       string `json:"nonce"`
	TTL         int    `json:"ttl"`
	HopCount    int    `json:"hop_count"`
	TS          int64  `json:"ts"`
}

// Chunks is optional fragmentation metadata.
type Chunks struct {
	Index int `json:"index"`
	Total int `json:"total"`
}

// Routing carries routing hints that never affect cryptographic security.
type Routing struct {
	Priority    Priority `json:"priority"`
	DupSuppress bool     `json:"dup_suppress"`
}

// Envelope is the routed unit: header + opaque ciphertext + chunking +
// routing hints. Crypto is opaque to this package.
type Envelope struct {
	Version    string  `json:"version"`
	Header     Header  `json:"header"`
	Ciphertext string  `json:"ciphertext"`
	Chunks     Chunks  `json:"chunks"`
	Routing    Routing `json:"routing"`
}

// Limits bounds validation decisions that depend on runtime configuration.
type Limits struct {
	TTLMin             int
	TTLMax             int
	MaxCiphertextBytes int
}

// wireEnvelope mirrors Envelope's JSON shape for decoding, with pointer
// sub-structs so we can tell "absent" apart from "zero value" and apply
// the documented defaults (priority=normal, dup_suppress=true,
// chunks={0,1}).
type wireEnvelope struct {
	Version    *string  `json:"version"`
	Header     *Header  `json:"header"`
	Ciphertext *string  `json:"ciphertext"`
	Chunks     *Chunks  `json:"chunks"`
	Routing    *wireRouting `json:"routing"`
}

type wireRouting struct {
	Priority    *string `json:"priority"`
	DupSuppress *bool   `json:"dup_suppress"`
}

// Decode parses raw bytes into an Envelope. Any missing or ill-typed
// routing-relevant field yields an INVALID_INPUT error, except that an
// absent header.ttl or header.hop_count decodes as 0; unknown fields
// inside header never alter routing semantics because Header is decoded
// strictly into its own typed struct and nothing else is consulted.
func Decode(raw []byte) (Envelope, error) {
	var w wireEnvelope
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	if err := dec.Decode(&w); err != nil {
		return Envelope{}, apierrors.New(apierrors.InvalidInput, "malformed envelope json: "+err.Error())
	}

	env := Envelope{
		Chunks:  Chunks{Index: 0, Total: 1},
		Routing: Routing{Priority: PriorityNormal, DupSuppress: true},
	}

	if w.Version == nil || strings.TrimSpace(*w.Version) == "" {
		return Envelope{}, apierrors.New(apierrors.InvalidInput, "version missing")
	}
	env.Version = *w.Version
	if env.Version != WireVersion {
		return Envelope{}, apierrors.New(apierrors.InvalidInput, "unknown wire version: "+env.Version)
	}

	if w.Header == nil {
		return Envelope{}, apierrors.New(apierrors.InvalidInput, "header missing")
	}
	env.Header = *w.Header
	if strings.TrimSpace(env.Header.SenderFP) == "" {
		return Envelope{}, apierrors.New(apierrors.InvalidInput, "header.sender_fp missing")
	}
	if strings.TrimSpace(env.Header.RecipientFP) == "" {
		return Envelope{}, apierrors.New(apierrors.InvalidInput, "header.recipient_fp missing")
	}
	if !isUUIDv4(env.Header.MsgID) {
		return Envelope{}, apierrors.New(apierrors.InvalidInput, "header.msg_id must be a uuid-v4")
	}
	if _, err := base64.StdEncoding.DecodeString(env.Header.Nonce); err != nil {
		return Envelope{}, apierrors.New(apierrors.InvalidInput, "header.nonce must be base64")
	}
	if env.Header.TTL < 0 {
		return Envelope{}, apierrors.New(apierrors.InvalidInput, "header.ttl must be non-negative")
	}
	if env.Header.HopCount < 0 {
		return Envelope{}, apierrors.New(apierrors.InvalidInput, "header.hop_count must be non-negative")
	}
	if env.Header.TS <= 0 {
		return Envelope{}, apierrors.New(apierrors.InvalidInput, "header.ts missing or invalid")
	}

	if w.Ciphertext == nil || strings.TrimSpace(*w.Ciphertext) == "" {
		return Envelope{}, apierrors.New(apierrors.InvalidInput, "ciphertext missing")
	}
	if _, err := base64.StdEncoding.DecodeString(*w.Ciphertext); err != nil {
		return Envelope{}, apierrors.New(apierrors.InvalidInput, "ciphertext must be base64")
	}
	env.Ciphertext = *w.Ciphertext

	if w.Chunks != nil {
		env.Chunks = *w.Chunks
	}

	if w.Routing != nil {
		if w.Routing.Priority != nil {
			p := Priority(strings.TrimSpace(*w.Routing.Priority))
			switch p {
			case PriorityLow, PriorityNormal, PriorityHigh:
				env.Routing.Priority = p
			default:
				return Envelope{}, apierrors.New(apierrors.InvalidInput, "routing.priority must be one of low|normal|high")
			}
		}
		if w.Routing.DupSuppress != nil {
			env.Routing.DupSuppress = *w.Routing.DupSuppress
		}
	}

	return env, nil
}

// Validate enforces the bounds that depend on runtime configuration
// (TTL range, ciphertext size) that Decode cannot check on its own.
func (e Envelope) Validate(lim Limits) error {
	if e.Header.TTL < lim.TTLMin || e.Header.TTL > lim.TTLMax {
		return apierrors.New(apierrors.InvalidInput, "ttl out of bounds")
	}
	raw, err := base64.StdEncoding.DecodeString(e.Ciphertext)
	if err != nil {
		return apierrors.New(apierrors.InvalidInput, "ciphertext must be base64")
	}
	if lim.MaxCiphertextBytes > 0 && len(raw) > lim.MaxCiphertextBytes {
		return apierrors.New(apierrors.InvalidInput, "ciphertext exceeds max size")
	}
	return nil
}

// Canonical renders a stable JSON encoding, stored by the queue store as
// envelope_json and sent by the forwarder as the outbound chunk. Keys are
// emitted in encoding/json's struct field declaration order (not sorted),
// so two decodes of the same logical envelope always produce the same bytes.
func (e Envelope) Canonical() ([]byte, error) {
	return json.Marshal(e)
}

func isUUIDv4(s string) bool {
	// 8-4-4-4-12 hex groups, version nibble '4', variant nibble in [8,9,a,b].
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		case 14:
			if c != '4' {
				return false
			}
		case 19:
			if !(c == '8' || c == '9' || c == 'a' || c == 'b' || c == 'A' || c == 'B') {
				return false
			}
		default:
			if !isHex(byte(c)) {
				return false
			}
		}
	}
	return true
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
