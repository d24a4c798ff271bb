package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Audit event types.
const (
	EventLoginPassword     = "login.password"
	EventLoginOIDCStart    = "login.oidc.start"
	EventLoginOIDCCallback = "login.oidc.callback"
	EventLogout            = "logout"
	EventThrottleLocked    = "throttle.locked"
	EventOriginRejected    = "origin.rejected"
	EventProxyTokenMinted  = "proxy_token.minted"
	EventSessionRejected   = "session.rejected"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is one security-relevant outcome.
type Event struct {
	Type        string
	Outcome     string
	Reason      string
	Provider    string
	Subject     string
	Fingerprint string
}

// Auditor writes structured audit records and counts them.
// A nil *Auditor discards every event.
type Auditor struct {
	logger  *slog.Logger
	metrics *Metrics
	clock   func() time.Time
}

// NewAuditor constructs an auditor. metrics may be nil.
func NewAuditor(logger *slog.Logger, metrics *Metrics) *Auditor {
	return &Auditor{logger: logger.With("component", "audit"), metrics: metrics, clock: time.Now}
}

// Emit records ev. It never blocks or fails the caller.
func (a *Auditor) Emit(ctx context.Context, ev Event) {
	if a == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	if a.metrics != nil {
		a.metrics.authEvents.WithLabelValues(ev.Type, ev.Outcome).Inc()
	}

	level := slog.LevelInfo
	if ev.Outcome != OutcomeSuccess {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("event_id", uuid.NewString()),
		slog.String("event", ev.Type),
		slog.String("outcome", ev.Outcome),
		slog.Time("at", a.clock().UTC()),
	}
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		attrs = append(attrs, slog.String("request_id", reqID))
	}
	if ev.Reason != "" {
		attrs = append(attrs, slog.String("reason", ev.Reason))
	}
	if ev.Provider != "" {
		attrs = append(attrs, slog.String("provider", ev.Provider))
	}
	if ev.Subject != "" {
		attrs = append(attrs, slog.String("subject", ev.Subject))
	}
	if ev.Fingerprint != "" {
		// A prefix is enough to correlate records.
		fp := ev.Fingerprint
		if len(fp) > 16 {
			fp = fp[:16]
		}
		attrs = append(attrs, slog.String("fingerprint", fp))
	}
	a.logger.LogAttrs(context.WithoutCancel(ctx), level, "audit", attrs...)
}
