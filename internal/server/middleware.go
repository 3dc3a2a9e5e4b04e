package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/upstreamd/upstreamd/internal/observability"
)

// RequestIDHeader carries the request identifier on requests and
// responses.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns each request an identifier, reusing the client's when
// one is present, and stores it in the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := observability.ContextWithRequestID(r.Context(), requestID)
		w.Header().Set(RequestIDHeader, requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccessLog logs one line per completed request.
func AccessLog(logger observability.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		logger.Debug("request handled",
			observability.String("method", r.Method),
			observability.String("path", r.URL.Path),
			observability.String("request_id", observability.RequestIDFromContext(r.Context())),
		)
	})
}
