package tracing

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

// TraceEnvVar carries the parent trace ID into a spawned worker process.
const TraceEnvVar = "SOLO_TRACE_ID"

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.SessionKey != "" {
		logger = logger.With().Str("session_key", tc.SessionKey).Logger()
	}
	if tc.RequestID != "" {
		logger = logger.With().Str("request_id", tc.RequestID).Logger()
	}
	if tc.Role != "" {
		logger = logger.With().Str("role", tc.Role).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// EnvForChild returns the environment entries that hand the trace over to a child process.
func EnvForChild(ctx context.Context) []string {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		return nil
	}
	return []string{TraceEnvVar + "=" + traceID}
}

// FromEnvironment resumes a trace started by the parent process, or starts a new one.
func FromEnvironment(ctx context.Context) context.Context {
	if traceID := os.Getenv(TraceEnvVar); traceID != "" {
		return WithTraceID(ctx, traceID)
	}
	return WithTraceID(ctx, NewTraceID())
}

// MergeContext merges tracing information from source context into target context
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.SessionKey != "" && GetSessionKey(target) == "" {
		target = WithSessionKey(target, tc.SessionKey)
	}
	if tc.Role != "" && GetRole(target) == "" {
		target = WithRole(target, tc.Role)
	}

	return target
}

// Detach returns a background context carrying the same tracing information,
// for work that must outlive the caller's cancellation.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
