package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/hearthctl/hub/infrastructure/httputil"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// wrapWithAudit logs basic request metadata for operator visibility.
func wrapWithAudit(next http.Handler, log *auditLog) http.Handler {
	if log == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		user, _ := r.Context().Value(ctxUserKey).(string)
		role, _ := r.Context().Value(ctxRoleKey).(string)
		log.add(auditEntry{
			Time:       start.UTC(),
			User:       user,
			Role:       role,
			Path:       r.URL.Path,
			Method:     r.Method,
			Status:     rec.status,
			RemoteAddr: httputil.ClientIP(r),
			UserAgent:  r.UserAgent(),
		})
	})
}

type auditEntry struct {
	Time       time.Time
	User       string
	Role       string
	Path       string
	Method     string
	Status     int
	RemoteAddr string
	UserAgent  string
}

// auditLog is a bounded ring buffer of recent requests, grounded on the
// teacher's ring-buffer security auditor pattern, repurposed here for
// HTTP request visibility instead of sandbox events.
type auditLog struct {
	mu      sync.Mutex
	entries []auditEntry
	cap     int
	next    int
	filled  bool
}

func newAuditLog(capacity int) *auditLog {
	if capacity <= 0 {
		capacity = 256
	}
	return &auditLog{entries: make([]auditEntry, capacity), cap: capacity}
}

func (l *auditLog) add(e auditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = e
	l.next = (l.next + 1) % l.cap
	if l.next == 0 {
		l.filled = true
	}
}

// Recent returns the buffered entries, oldest first.
func (l *auditLog) Recent() []auditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.filled {
		out := make([]auditEntry, l.next)
		copy(out, l.entries[:l.next])
		return out
	}
	out := make([]auditEntry, l.cap)
	copy(out, l.entries[l.next:])
	copy(out[l.cap-l.next:], l.entries[:l.next])
	return out
}
