package sincere

import (
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	HeaderRequestID     = "x-request-id"
	HeaderForwardedFor  = "x-forwarded-for"
	headerAuthorization = "authorization"
)

// RequestID stamps each request with an x-request-id header unless the
// client sent one. The id is echoed on the response.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(w ResponseWriter, r *Request) {
			id, ok := r.GetHeader(HeaderRequestID)
			if !ok || id == "" {
				id = uuid.NewString()
				r.Headers()[HeaderRequestID] = id
			}
			w.Header()[HeaderRequestID] = id
			next.Serve(w, r)
		})
	}
}

// ForwardedFor appends the peer IP to x-forwarded-for.
func ForwardedFor() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(w ResponseWriter, r *Request) {
			if addr := r.RemoteAddr(); addr.IsValid() {
				ip := addr.Addr().String()
				headers := r.Headers()
				if prev, ok := headers[HeaderForwardedFor]; ok && prev != "" {
					headers[HeaderForwardedFor] = prev + ", " + ip
				} else {
					headers[HeaderForwardedFor] = ip
				}
			}
			next.Serve(w, r)
		})
	}
}

var sensitiveHeaders = map[string]struct{}{
	headerAuthorization: {},
	"cookie":            {},
	"x-api-key":         {},
}

// safeHeaders renders headers for logging with credentials redacted.
func safeHeaders(h map[string]string) string {
	parts := make([]string, 0, len(h))
	for k, v := range h {
		if _, ok := sensitiveHeaders[strings.ToLower(k)]; ok && v != "" {
			v = "<redacted>"
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "; ")
}

// statusRecorder remembers what a handler wrote so it can be logged.
type statusRecorder struct {
	ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(p)
	s.bytes += n
	return n, err
}

// AccessLog logs one line per request after the handler returns.
func AccessLog(logger *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(w ResponseWriter, r *Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.Serve(rec, r)
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("request",
				zap.String("method", r.Method().String()),
				zap.String("path", r.Path()),
				zap.String("remote", r.RemoteAddr().String()),
				zap.Int("status", status),
				zap.Int("bytes", rec.bytes),
				zap.Int("body", r.DataLength()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("headers", safeHeaders(r.Headers())),
			)
		})
	}
}

// Recover turns a handler panic into a 500 reply.
func Recover(logger *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(w ResponseWriter, r *Request) {
			defer func() {
				if err := recover(); err != nil {
					buf := make([]byte, 64<<10)
					buf = buf[:runtime.Stack(buf, false)]
					logger.Error("handler panic",
						zap.String("path", r.Path()),
						zap.Any("panic", err),
						zap.ByteString("stack", buf))
					Error(w, http.StatusInternalServerError, "500 internal server error")
				}
			}()
			next.Serve(w, r)
		})
	}
}

// limiterIdle is how long a client IP may stay quiet before its bucket
// is dropped. A dropped bucket comes back full, so with burst/rate above
// this a client that goes quiet gets a fresh burst early.
const limiterIdle = 10 * time.Minute

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// ipLimiter hands out one token bucket per client IP. Buckets idle for
// longer than idle are swept on access, at most once per idle period.
type ipLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idle      time.Duration
	now       func() time.Time
	lastSweep time.Time
	buckets   map[string]*bucket
}

func newIPLimiter(perSecond float64, burst int, idle time.Duration, now func() time.Time) *ipLimiter {
	return &ipLimiter{
		limit:     rate.Limit(perSecond),
		burst:     burst,
		idle:      idle,
		now:       now,
		lastSweep: now(),
		buckets:   make(map[string]*bucket),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastSweep) >= l.idle {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) >= l.idle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

func (l *ipLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RateLimit rejects requests with 429 once a client IP exceeds perSecond
// requests with the given burst.
func RateLimit(perSecond float64, burst int) Middleware {
	return rateLimit(newIPLimiter(perSecond, burst, limiterIdle, time.Now))
}

func rateLimit(l *ipLimiter) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(w ResponseWriter, r *Request) {
			if !l.allow(r.RemoteAddr().Addr().String()) {
				w.Header()["retry-after"] = "1"
				Error(w, http.StatusTooManyRequests, "429 too many requests")
				return
			}
			next.Serve(w, r)
		})
	}
}
