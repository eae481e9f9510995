package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/herald/internal/metrics"
	"github.com/foxzi/herald/internal/ratelimit"
)

// TenantHeader carries the tenant in dev mode
const TenantHeader = "X-Tenant-ID"

type ctxKey int

const (
	tenantKey ctxKey = iota
	serviceKey
)

var errNoTenant = errors.New("token has no tenant_id claim")

// tenantFrom returns the authenticated tenant of the request
func tenantFrom(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantKey).(string)
	return tenant
}

// isService reports whether the request was authenticated with a service token
func isService(ctx context.Context) bool {
	ok, _ := ctx.Value(serviceKey).(bool)
	return ok
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// tenantAuth resolves the tenant from a bearer JWT, or from the tenant header in dev mode
func (s *Server) tenantAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, err := s.authenticate(r)
		if err != nil {
			s.logger.Warn("unauthorized API request",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
				"error", err,
			)
			s.sendError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	})
}

// serviceAuth accepts a static service token or falls back to tenant authentication.
// Service requests name their tenant in the request body.
func (s *Server) serviceAuth(next http.Handler) http.Handler {
	tenantNext := s.tenantAuth(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := bearerToken(r); token != "" && s.matchServiceToken(token) {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), serviceKey, true)))
			return
		}
		tenantNext.ServeHTTP(w, r)
	})
}

// tenantRateLimit rejects tenants over their request budget
func (s *Server) tenantRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := tenantFrom(r.Context())
		if s.deps.Limiter == nil || tenant == "" {
			next.ServeHTTP(w, r)
			return
		}

		res, err := s.deps.Limiter.Allow(r.Context(), ratelimit.LevelTenant, tenant)
		if err != nil {
			s.logger.Error("rate limit check failed", "tenant_id", tenant, "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !res.Allowed {
			metrics.IncRateLimitExceeded(string(ratelimit.LevelTenant))
			w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
			s.sendError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	if s.auth.DevMode {
		if tenant := strings.TrimSpace(r.Header.Get(TenantHeader)); tenant != "" {
			return tenant, nil
		}
	}

	token := bearerToken(r)
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	if s.auth.JWTSecret == "" {
		return "", errors.New("token authentication is not configured")
	}
	return s.parseToken(token)
}

// parseToken verifies an HS256 token and returns its tenant_id claim
func (s *Server) parseToken(raw string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.auth.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.auth.Issuer))
	}

	token, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.auth.JWTSecret), nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errNoTenant
	}
	tenant, _ := claims["tenant_id"].(string)
	if tenant == "" {
		return "", errNoTenant
	}
	return tenant, nil
}

func (s *Server) matchServiceToken(token string) bool {
	for _, hash := range s.auth.ServiceTokens {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
