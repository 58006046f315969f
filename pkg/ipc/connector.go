package ipc

import (
	"context"
	"errors"
	"time"

	"github.com/harun/solo/internal/observability"
	"github.com/harun/solo/pkg/oneshot"
	"github.com/rs/zerolog"
)

const (
	// DefaultAttempts bounds how often Connector.Connect tries the endpoint.
	DefaultAttempts = 30
	// DefaultRetryInterval is the wait between failed attempts.
	DefaultRetryInterval = time.Second
)

// ErrWorkerUnreachable is returned when every connect attempt failed.
var ErrWorkerUnreachable = errors.New("no worker reachable")

// Connector retries a Transport until the worker answers, the attempts run
// out, or the caller calls it off.
type Connector struct {
	Transport     Transport
	Attempts      int
	RetryInterval time.Duration
	Logger        zerolog.Logger
}

// NewConnector returns a connector with the default retry policy
func NewConnector(transport Transport, logger zerolog.Logger) *Connector {
	return &Connector{
		Transport:     transport,
		Attempts:      DefaultAttempts,
		RetryInterval: DefaultRetryInterval,
		Logger:        logger,
	}
}

// Connect tries endpoint up to Attempts times. Between attempts it waits up to
// RetryInterval for cancel: a non-nil error ends the loop with that error, a
// nil value starts a fresh wait and retries at once. On success onSuccess, if
// given, is resolved with true before the connection is returned.
func (c *Connector) Connect(ctx context.Context, endpoint string, cancel *oneshot.Signal[error], onSuccess *oneshot.Signal[bool]) (Connection, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	interval := c.RetryInterval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	if cancel == nil {
		cancel = oneshot.New[error]()
	}

	logger := c.Logger.With().Str("endpoint", endpoint).Logger()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := c.Transport.Connect(ctx, endpoint)
		observability.RecordConnectAttempt(err == nil)
		if err == nil {
			logger.Debug().Int("attempt", attempt).Msg("Connected to worker channel")
			if onSuccess != nil {
				onSuccess.Resolve(true)
			}
			return conn, nil
		}

		logger.Debug().Err(err).Int("attempt", attempt).Msg("Worker channel not reachable")
		if attempt == attempts {
			break
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)

		select {
		case <-cancel.Done():
			if v, _ := cancel.Value(); v != nil {
				return nil, v
			}
			cancel = oneshot.New[error]()
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, ErrWorkerUnreachable
}
