package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/docval/docval/internal/api/response"
)

// Recovery converts handler panics into 500 responses. Worker-side panics
// have their own recovery; this one only covers the HTTP path.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered",
					"error", err,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
				)
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
