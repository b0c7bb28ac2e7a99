package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/Nimastz/resilient-mesh-messaging/pkg/apierrors"
)

// Auth enforces §4.4: every endpoint requires X-Device-Fp and
// X-Device-Token, verified via constant-time comparison of the token's
// SHA-256 hash against the stored hash. Missing or invalid credentials
// yield 401 UNAUTHORIZED.
func Auth(lookup func(r *http.Request) (storedHashHex string, ok bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceFP := strings.TrimSpace(r.Header.Get("X-Device-Fp"))
			token := strings.TrimSpace(r.Header.Get("X-Device-Token"))
			if deviceFP == "" || token == "" {
				apierrors.WriteHTTP(w, apierrors.New(apierrors.Unauthorized, "missing device credentials"))
				return
			}

			storedHashHex, ok := lookup(r)
			if !ok {
				apierrors.WriteHTTP(w, apierrors.New(apierrors.Unauthorized, "unknown device"))
				return
			}

			sum := sha256.Sum256([]byte(token))
			candidateHex := hex.EncodeToString(sum[:])

			if subtle.ConstantTimeCompare([]byte(candidateHex), []byte(storedHashHex)) != 1 {
				apierrors.WriteHTTP(w, apierrors.New(apierrors.Unauthorized, "invalid device token"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HashToken returns the hex SHA-256 hash of a raw token, used when
// provisioning a DeviceCredential.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
