package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/R3E-Network/microcredit_relay/internal/errors"
	"github.com/R3E-Network/microcredit_relay/internal/httputil"
	"github.com/R3E-Network/microcredit_relay/internal/logging"
)

// RecoveryMiddleware turns handler panics into 500 responses
func RecoveryMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error(r.Context(), "panic in handler", fmt.Errorf("%v", rec), map[string]interface{}{
						"path":  r.URL.Path,
						"stack": string(debug.Stack()),
					})
					httputil.WriteError(w, errors.Internal("internal server error", nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
