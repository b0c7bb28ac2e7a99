package envelope

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"
)

func validJSON(msgID string, ttl int, ts int64) []byte {
	ct := base64.StdEncoding.EncodeToString([]byte("ciphertext-bytes"))
	nonce := base64.StdEncoding.EncodeToString([]byte("123456789012"))
	return []byte(`{
		"version":"1.0",
		"header":{
			"sender_fp":"c2VuZGVyLWZwLWJ5dGVz",
			"recipient_fp":"cmVjaXBpZW50LWZwLWJ5dGVz",
			"msg_id":"` + msgID + `",
			"nonce":"` + nonce + `",
			"ttl":` + itoa(ttl) + `,
			"hop_count":0,
			"ts":` + itoa64(ts) + `
		},
		"ciphertext":"` + ct + `"
	}`)
}

func itoa(n int) string {
	return itoa64(int64(n))
}

func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestDecodeValid(t *testing.T) {
	raw := validJSON("11111111-1111-4111-8111-111111111111", 5, time.Now().Unix())
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Routing.Priority != PriorityNormal {
		t.Errorf("expected default priority normal, got %q", env.Routing.Priority)
	}
	if !env.Routing.DupSuppress {
		t.Errorf("expected default dup_suppress true")
	}
	if env.Chunks.Total != 1 {
		t.Errorf("expected default chunks.total 1, got %d", env.Chunks.Total)
	}
}

func TestDecodeAcceptsRFC4122UUIDv4MsgID(t *testing.T) {
	raw := validJSON(uuid.New().String(), 5, time.Now().Unix())
	if _, err := Decode(raw); err != nil {
		t.Fatalf("a freshly generated uuid.v4 should decode cleanly: %v", err)
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	raw := []byte(`{"version":"2.0","header":{},"ciphertext":"x"}`)
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected error for unknown wire version")
	}
}

func TestDecodeRejectsNonUUIDMsgID(t *testing.T) {
	raw := validJSON("not-a-uuid", 5, time.Now().Unix())
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected error for non-uuid msg_id")
	}
}

func TestValidateTTLBounds(t *testing.T) {
	lim := Limits{TTLMin: 1, TTLMax: 8, MaxCiphertextBytes: 16384}

	raw := validJSON("11111111-1111-4111-8111-111111111111", 1, time.Now().Unix())
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := env.Validate(lim); err != nil {
		t.Errorf("ttl=TTL_MIN should be accepted: %v", err)
	}

	env.Header.TTL = 0
	if err := env.Validate(lim); err == nil {
		t.Errorf("ttl=TTL_MIN-1 should be rejected")
	}

	env.Header.TTL = 9
	if err := env.Validate(lim); err == nil {
		t.Errorf("ttl>TTL_MAX should be rejected")
	}
}

func TestValidateCiphertextSizeBoundary(t *testing.T) {
	lim := Limits{TTLMin: 1, TTLMax: 8, MaxCiphertextBytes: 8}
	env, err := Decode(validJSON("11111111-1111-4111-8111-111111111111", 5, time.Now().Unix()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	env.Ciphertext = base64.StdEncoding.EncodeToString(make([]byte, 8))
	if err := env.Validate(lim); err != nil {
		t.Errorf("exactly max size should be accepted: %v", err)
	}

	env.Ciphertext = base64.StdEncoding.EncodeToString(make([]byte, 9))
	if err := env.Validate(lim); err == nil {
		t.Errorf("one byte over max size should be rejected")
	}
}

func TestCheckFreshnessBoundaries(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()

	if v := CheckFreshness(now.Unix()-300, now, 300, 300); v != FreshnessOK {
		t.Errorf("now-ts==maxAge should be OK, got %v", v)
	}
	if v := CheckFreshness(now.Unix()-301, now, 300, 300); v != FreshnessTooOld {
		t.Errorf("now-ts==maxAge+1 should be too old, got %v", v)
	}
	if v := CheckFreshness(now.Unix()+300, now, 300, 3600); v != FreshnessOK {
		t.Errorf("ts==now+maxSkew should be OK, got %v", v)
	}
	if v := CheckFreshness(now.Unix()+301, now, 300, 3600); v != FreshnessFuture {
		t.Errorf("ts==now+maxSkew+1 should be future, got %v", v)
	}
}
