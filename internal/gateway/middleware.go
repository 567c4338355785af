package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/medibridge/dicom-bridge/pkg/types"
)

type contextKey string

const principalKey contextKey = "principal"

// principalFrom returns the authenticated principal, if any
func principalFrom(ctx context.Context) (*types.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*types.Principal)
	return p, ok
}

// exempt reports whether a request bypasses authentication and rate
// limiting. Preflight and the health/metrics endpoints stay open.
func exempt(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return true
	}
	return r.URL.Path == "/health" || r.URL.Path == "/metrics"
}

// corsMiddleware handles CORS headers
func (s *Service) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware adds security headers
func (s *Service) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request count and latency
func (s *Service) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(recorder, r)

		s.metrics.RecordHTTPRequest(r.Method, routeTemplate(r), recorder.statusCode, time.Since(start))
	})
}

// loggingMiddleware logs each request with its outcome
func (s *Service) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(recorder, r)

		s.logger.HTTPRequest(r.Method, r.URL.Path, clientIP(r), recorder.statusCode, time.Since(start).Milliseconds())
	})
}

// authMiddleware validates bearer tokens and attaches the principal
func (s *Service) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exempt(r) {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeErrorResponse(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			s.writeErrorResponse(w, http.StatusUnauthorized, "invalid authorization header format")
			return
		}

		principal, err := s.auth.Authenticate(parts[1])
		if err != nil {
			s.logger.Security("token_rejected", "", map[string]interface{}{
				"path":  r.URL.Path,
				"error": err.Error(),
			})
			s.writeErrorResponse(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitMiddleware applies per-subject rate limiting
func (s *Service) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || exempt(r) {
			next.ServeHTTP(w, r)
			return
		}

		principal, ok := principalFrom(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		if !s.limiter.Allow(principal.Subject) {
			s.logger.Security("rate_limit_exceeded", principal.Subject, map[string]interface{}{
				"path": r.URL.Path,
			})
			s.writeErrorResponse(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireRole gates a handler behind one role. Unauthenticated requests
// are rejected before role evaluation.
func (s *Service) requireRole(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := principalFrom(r.Context())
		if !ok {
			s.writeErrorResponse(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !principal.HasRole(role) && !principal.HasRole(types.RoleAdministrator) {
			s.logger.Security("role_denied", principal.Subject, map[string]interface{}{
				"path":          r.URL.Path,
				"required_role": role,
			})
			s.writeErrorResponse(w, http.StatusForbidden, "insufficient role")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireClinicAccess allows administrators, or a principal whose clinic
// claim matches the clinic id in the path, to manage that clinic's
// configuration.
func (s *Service) requireClinicAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := principalFrom(r.Context())
		if !ok {
			s.writeErrorResponse(w, http.StatusUnauthorized, "authentication required")
			return
		}
		clinicID := mux.Vars(r)["id"]
		if !principal.HasRole(types.RoleAdministrator) && (principal.ClinicID == "" || principal.ClinicID != clinicID) {
			s.logger.Security("clinic_access_denied", principal.Subject, map[string]interface{}{
				"clinic_id": clinicID,
			})
			s.writeErrorResponse(w, http.StatusForbidden, "not authorized for this clinic")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// routeTemplate returns the mux route template for metric labels so
// per-id paths don't explode cardinality
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// responseRecorder captures the response status code
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
