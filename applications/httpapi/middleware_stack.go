package httpapi

import (
	"net/http"
	"time"

	"github.com/hearthctl/hub/infrastructure/logging"
	"github.com/hearthctl/hub/infrastructure/middleware"
)

// Harden wraps next with the hub's ambient HTTP middleware stack: panic
// recovery, security headers, permissive CORS (the dashboard and any
// local plugin UI may run on a different origin than the hub), a body
// size cap, a request timeout, and a per-client-IP rate limiter. This is
// the same middleware package the teacher built for its own REST
// surface; the hub reuses it unchanged rather than hand-rolling
// equivalents.
func Harden(next http.Handler, logger *logging.Logger) http.Handler {
	recovery := middleware.NewRecoveryMiddleware(logger)
	security := middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders())
	cors := middleware.NewCORSMiddleware(&middleware.CORSConfig{AllowedOrigins: []string{"*"}})
	bodyLimit := middleware.NewBodyLimitMiddleware(1 << 20) // 1MiB: states/services payloads are small
	timeout := middleware.NewTimeoutMiddleware(10 * time.Second)
	limiter := middleware.NewRateLimiter(20, 40, logger)

	h := next
	h = limiter.Handler(h)
	h = timeout.Handler(h)
	h = bodyLimit.Handler(h)
	h = cors.Handler(h)
	h = security.Handler(h)
	h = recovery.Handler(h)
	return h
}
