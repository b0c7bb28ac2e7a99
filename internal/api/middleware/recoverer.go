package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/Nimastz/resilient-mesh-messaging/pkg/apierrors"
	"github.com/Nimastz/resilient-mesh-messaging/pkg/telemetry"
)

// Recoverer turns a panic in any downstream handler into a 500 INTERNAL
// response instead of crashing the process, grounded on the gateway
// router's recoverer helper.
func Recoverer(log *telemetry.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if log != nil {
						log.Error("panic recovered", map[string]any{
							"path":  r.URL.Path,
							"panic": rec,
							"stack": string(debug.Stack()),
						})
					}
					apierrors.WriteHTTP(w, apierrors.New(apierrors.Internal, "internal server error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
