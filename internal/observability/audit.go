package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Ownership actions
const (
	ActionCoordinate = "coordinate"
	ActionRelease    = "release"
)

// OwnershipRecord describes a change in who holds a session: a coordination
// decision, or a worker giving the session up.
type OwnershipRecord struct {
	Session string
	Action  string

	// Outcome is the coordination outcome (fresh, worker, client) or, for a
	// release, saved or discarded.
	Outcome string

	// Format of the blob found on disk when coordination started
	Format string

	// Phases visited by the coordination state machine, in order
	Phases []string

	// Held is how long the releasing worker owned the session
	Held time.Duration

	Err error
}

// MigrationRecord describes one legacy blob rewritten in the current format
type MigrationRecord struct {
	Session     string
	LegacyBytes int
	KeptLegacy  bool
	Err         error
}

// AuditLog appends ownership and migration records as JSON lines
type AuditLog struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

var (
	auditMu   sync.Mutex
	auditInst *AuditLog
)

// Audit returns the process audit log. Records go to stderr until
// OpenAuditLog points it at a file.
func Audit() *AuditLog {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst == nil {
		auditInst = newAuditLog(os.Stderr, nil)
	}
	return auditInst
}

// OpenAuditLog makes path the destination of the process audit log
func OpenAuditLog(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	auditInst = newAuditLog(file, file)
	return nil
}

func newAuditLog(w io.Writer, closer io.Closer) *AuditLog {
	return &AuditLog{
		logger: zerolog.New(w).With().Timestamp().Int("pid", os.Getpid()).Logger(),
		closer: closer,
	}
}

// Ownership records an ownership change
func (a *AuditLog) Ownership(ctx context.Context, rec OwnershipRecord) {
	status := statusOf(rec.Err)
	spanEvent(ctx, "audit.ownership",
		attribute.String("audit.action", rec.Action),
		attribute.String("audit.outcome", rec.Outcome),
		attribute.String("audit.status", status),
	)

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", "ownership").
		Str("session", rec.Session).
		Str("action", rec.Action).
		Str("outcome", rec.Outcome).
		Str("status", status)
	if rec.Format != "" {
		entry.Str("format", rec.Format)
	}
	if len(rec.Phases) > 0 {
		entry.Strs("phases", rec.Phases)
	}
	if rec.Held > 0 {
		entry.Dur("held", rec.Held)
	}
	a.finish(ctx, entry, rec.Err)
}

// Migration records a legacy migration attempt
func (a *AuditLog) Migration(ctx context.Context, rec MigrationRecord) {
	status := statusOf(rec.Err)
	spanEvent(ctx, "audit.migration",
		attribute.Int("audit.legacy_bytes", rec.LegacyBytes),
		attribute.String("audit.status", status),
	)

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", "migration").
		Str("session", rec.Session).
		Str("status", status).
		Int("legacy_bytes", rec.LegacyBytes).
		Bool("kept_legacy", rec.KeptLegacy)
	a.finish(ctx, entry, rec.Err)
}

func (a *AuditLog) finish(ctx context.Context, entry *zerolog.Event, err error) {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		entry.Str("trace_id", sc.TraceID().String())
	}
	if err != nil {
		entry.Str("error", err.Error())
	}
	entry.Send()
}

// Close closes the audit file, if any
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

func statusOf(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func spanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}
