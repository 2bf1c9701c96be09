package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/credit-engine/metrics"
)

// =============================================================================
// REQUEST LOGGING + METRICS
// =============================================================================

// requestLogger logs each request through logrus and records HTTP metrics
// labeled by route pattern.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(start)

			metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			entry := log.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"duration_ms": elapsed.Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
			if status >= http.StatusInternalServerError {
				entry.Error("request failed")
				return
			}
			entry.Debug("request")
		})
	}
}

// =============================================================================
// BEARER AUTH
// =============================================================================

type ctxKey int

const claimsKey ctxKey = iota

// Claims are the verified token details the handlers use.
type Claims struct {
	Subject string
	Admin   bool
}

// tokenClaims is the JWT body: the subject is the account id, and the
// "admin" role unlocks operator endpoints.
type tokenClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// bearerAuth verifies HS256 tokens signed with secret. Requests without
// claims in context are only possible when auth is disabled.
func bearerAuth(secret []byte, log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing or malformed authorization header", nil)
				return
			}

			claims, err := verifyToken(token, secret)
			if err != nil {
				log.WithFields(logrus.Fields{
					"path":  r.URL.Path,
					"error": err,
				}).Warn("auth failure")
				writeError(w, http.StatusUnauthorized, "invalid token", nil)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func verifyToken(raw string, secret []byte) (*Claims, error) {
	var tc tokenClaims
	_, err := jwt.ParseWithClaims(raw, &tc, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if tc.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return &Claims{Subject: tc.Subject, Admin: tc.Role == "admin"}, nil
}

// SignToken issues an HS256 token for subject. Used by tooling and tests.
func SignToken(secret []byte, subject string, admin bool, ttl time.Duration) (string, error) {
	tc := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	if admin {
		tc.Role = "admin"
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(secret)
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// requireAdmin rejects non-admin tokens. With auth disabled it passes.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, ok := ClaimsFromContext(r.Context()); ok && !c.Admin {
			writeError(w, http.StatusForbidden, "admin role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAccount rejects tokens whose subject is not the path account.
func requireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, ok := ClaimsFromContext(r.Context()); ok && !c.Admin && c.Subject != chi.URLParam(r, "accountID") {
			writeError(w, http.StatusForbidden, "token does not grant access to this account", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
