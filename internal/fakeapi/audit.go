package fakeapi

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditSessionCreated    AuditEvent = "session_created"
	AuditSessionRefreshed  AuditEvent = "session_refreshed"
	AuditSessionRejected   AuditEvent = "session_refresh_rejected"
	AuditSessionRevoked    AuditEvent = "session_revoked"
	AuditTokenRevoked      AuditEvent = "token_revoked"
	AuditEmailRequested    AuditEvent = "email_requested"
	AuditEmailExchanged    AuditEvent = "email_exchanged"
	AuditEmailRejected     AuditEvent = "email_code_rejected"
	AuditPasskeyRegistered AuditEvent = "passkey_registered"
	AuditPasskeyLogin      AuditEvent = "passkey_login"
	AuditPasskeyRejected   AuditEvent = "passkey_rejected"
	AuditRateLimited       AuditEvent = "rate_limited"
	AuditFaultInjected     AuditEvent = "fault_injected"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}

// logEvent is a convenience for events about a subject. The subject is the
// opaque user id, never an email address.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, subject string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("sub", subject),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a rejected request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
