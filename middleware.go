package main

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type contextKey string

const accessTokenKey contextKey = "accessToken"

// RequireToken guards protected endpoints. Invalid, expired and revoked
// tokens all produce the same 401 challenge.
func (a *App) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, err := a.lookupBearer(r)
		if err != nil {
			a.log.Error("token lookup", zap.Error(err))
			writeServerError(w)
			return
		}
		if rec == nil {
			writeChallenge(w, "access token is invalid or has expired")
			return
		}
		ctx := context.WithValue(r.Context(), accessTokenKey, rec)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tokenFromContext(ctx context.Context) *AccessTokenRecord {
	rec, _ := ctx.Value(accessTokenKey).(*AccessTokenRecord)
	return rec
}

// Logging middleware logs requests
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		a.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}
