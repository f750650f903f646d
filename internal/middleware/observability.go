package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"sessionchat/internal/metrics"
	"sessionchat/internal/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

const (
	logFieldHTTPRequestID = "http_request_id"
	logFieldTraceID       = "trace_id"
	logFieldMethod        = "method"
	logFieldRoute         = "route"
	logFieldStatusCode    = "status_code"
	logFieldDuration      = "duration_ms"
	logFieldRemoteIP      = "remote_ip"
	logFieldSize          = "response_size"
)

// Observability traces, measures and logs every control API request.
func Observability(m *metrics.Metrics, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeTemplate(r)

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" || len(requestID) > 64 {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			ctx, span := tracing.StartSpan(r.Context(), "http "+r.Method+" "+route,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("client.address", ClientIP(r)),
				attribute.String("http.request_id", requestID),
			)
			defer span.End()
			r = r.WithContext(ctx)

			wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r)

			duration := time.Since(start)
			span.SetAttributes(
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("http.response.size", wrapper.responseSize),
			)
			setSpanStatus(span, wrapper.statusCode)
			m.HTTPRequest(r.Method, route, wrapper.statusCode, duration)

			level := logrus.InfoLevel
			switch {
			case route == "/health" || route == "/metrics":
				level = logrus.DebugLevel
			case wrapper.statusCode >= 500:
				level = logrus.ErrorLevel
			case wrapper.statusCode >= 400:
				level = logrus.WarnLevel
			}

			logger.WithFields(logrus.Fields{
				logFieldHTTPRequestID: requestID,
				logFieldTraceID:       tracing.TraceID(ctx),
				logFieldMethod:        r.Method,
				logFieldRoute:         route,
				logFieldStatusCode:    wrapper.statusCode,
				logFieldDuration:      duration.Milliseconds(),
				logFieldRemoteIP:      ClientIP(r),
				logFieldSize:          wrapper.responseSize,
			}).Log(level, "HTTP request completed")
		})
	}
}

func setSpanStatus(span oteltrace.Span, status int) {
	if status >= 500 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		return
	}
	span.SetStatus(codes.Ok, "")
}

// routeTemplate returns the matched mux template so metrics are labelled
// by route rather than by raw path.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
	wroteHeader  bool
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWrapper) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
