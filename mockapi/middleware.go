package mockapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/julienschmidt/httprouter"

	"cookbook/session"
)

// authenticate requires a bearer token signed with the server secret and
// puts the caller's session on the request context.
func (s *Server) authenticate(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			respondWithError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		var claims session.Claims
		_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			respondWithError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		userID := claims.UserID
		if userID == "" {
			userID = claims.Subject
		}
		if userID == "" {
			respondWithError(w, http.StatusUnauthorized, "token has no user")
			return
		}
		ctx := session.WithContext(r.Context(), session.New(userID, token))
		next(w, r.WithContext(ctx), ps)
	}
}

// chaos delays every write by the configured latency and fails a share of
// them with 503, to exercise client rollback.
func (s *Server) chaos(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if s.latency > 0 {
			select {
			case <-time.After(s.latency):
			case <-r.Context().Done():
				return
			}
		}
		if s.failureRate > 0 && s.rand() < s.failureRate {
			respondWithError(w, http.StatusServiceUnavailable, "injected failure")
			return
		}
		next(w, r, ps)
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("request",
			slog.String("method", r.Method),
			slog.String("uri", r.RequestURI),
			slog.String("remote", r.RemoteAddr),
			slog.String("request_id", r.Header.Get("X-Request-Id")),
			slog.Duration("elapsed", time.Since(started)))
	})
}

func recoverMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered", slog.Any("panic", err), slog.String("uri", r.RequestURI))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
