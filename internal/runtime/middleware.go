package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	idspkg "github.com/drblury/replyflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/replyflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/replyflow/internal/runtime/metadata"
)

const tracerName = "replyflow"

// Invocation describes a single operation attempt. Metadata is owned by the
// lane and shared by its attempts, so middleware may annotate it.
type Invocation struct {
	Listener string
	LaneID   string
	Position Position
	Attempt  int
	Metadata metadatapkg.Metadata

	// Envelope holds the typed Envelope[K, V] of the lane.
	Envelope any
}

// CorrelationID returns the correlation id stamped on the invocation, if any.
func (inv *Invocation) CorrelationID() string {
	id, _ := inv.Metadata.Lookup(metadatapkg.KeyCorrelationID)
	return id
}

func (inv *Invocation) logFields() loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"listener":  inv.Listener,
		"lane_id":   inv.LaneID,
		"partition": inv.Position.Partition,
		"offset":    inv.Position.Offset,
		"attempt":   inv.Attempt,
	}
}

// OperationFunc is the untyped form of a listener operation the middleware
// chain wraps.
type OperationFunc func(ctx context.Context, inv *Invocation) (any, error)

// OperationMiddleware decorates an OperationFunc.
type OperationMiddleware func(next OperationFunc) OperationFunc

// MiddlewareBuilder constructs an operation middleware using the provided
// service instance. Returning a nil middleware skips the registration.
type MiddlewareBuilder func(*Service) (OperationMiddleware, error)

// MiddlewareRegistration captures how a middleware should be added to a
// Service. The first registered middleware is the outermost.
type MiddlewareRegistration struct {
	Name       string
	Middleware OperationMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard chain used by the Service constructor.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogInvocationsMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		TimeoutMiddleware(0),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware ensures each lane carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

func correlationIDMiddleware(next OperationFunc) OperationFunc {
	return func(ctx context.Context, inv *Invocation) (any, error) {
		if _, ok := inv.Metadata.Lookup(metadatapkg.KeyCorrelationID); !ok {
			if inv.Metadata == nil {
				inv.Metadata = metadatapkg.Metadata{}
			}
			inv.Metadata[metadatapkg.KeyCorrelationID] = idspkg.New()
		}
		return next(ctx, inv)
	}
}

// LogInvocationsMiddleware logs every attempt at debug level.
func LogInvocationsMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_invocations",
		Builder: func(s *Service) (OperationMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log invocations middleware requires a logger")
			}
			return logInvocationsMiddleware(l), nil
		},
	}
}

func logInvocationsMiddleware(logger loggingpkg.ServiceLogger) OperationMiddleware {
	return func(next OperationFunc) OperationFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			fields := inv.logFields()
			fields["correlation_id"] = inv.CorrelationID()
			logger.Debug("Executing operation", fields)
			return next(ctx, inv)
		}
	}
}

// TracerMiddleware wraps every attempt in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

func tracerMiddleware(next OperationFunc) OperationFunc {
	return func(ctx context.Context, inv *Invocation) (any, error) {
		ctx, span := otel.Tracer(tracerName).Start(ctx, "ExecuteOperation",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("replyflow.listener", inv.Listener),
				attribute.String("replyflow.lane_id", inv.LaneID),
				attribute.String("replyflow.topic", inv.Position.Topic),
				attribute.Int("replyflow.partition", int(inv.Position.Partition)),
				attribute.Int64("replyflow.offset", inv.Position.Offset),
				attribute.Int("replyflow.attempt", inv.Attempt),
				attribute.String("replyflow.correlation_id", inv.CorrelationID()),
			),
		)
		defer span.End()

		result, err := next(ctx, inv)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return result, err
	}
}

// MetricsMiddleware observes attempt durations. It is skipped when the
// service has no metrics.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (OperationMiddleware, error) {
			if s.metrics == nil {
				return nil, nil
			}
			return func(next OperationFunc) OperationFunc {
				return func(ctx context.Context, inv *Invocation) (any, error) {
					start := s.clock.Now()
					result, err := next(ctx, inv)
					s.metrics.ObserveOperation(inv.Listener, err, s.clock.Since(start))
					return result, err
				}
			}, nil
		},
	}
}

// TimeoutMiddleware bounds each attempt. A zero timeout falls back to
// Config.OperationTimeout; if that is zero too the middleware is skipped.
func TimeoutMiddleware(timeout time.Duration) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "timeout",
		Builder: func(s *Service) (OperationMiddleware, error) {
			d := timeout
			if d <= 0 && s.Conf != nil {
				d = s.Conf.OperationTimeout
			}
			if d <= 0 {
				return nil, nil
			}
			return func(next OperationFunc) OperationFunc {
				return func(ctx context.Context, inv *Invocation) (any, error) {
					ctx, cancel := context.WithTimeout(ctx, d)
					defer cancel()
					return next(ctx, inv)
				}
			}, nil
		},
	}
}

// RecovererMiddleware converts panics into *errors.PanicError so the lane
// retries them like any other failure.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "recoverer",
		Builder: func(s *Service) (OperationMiddleware, error) {
			return recovererMiddleware(s.Logger), nil
		},
	}
}

func recovererMiddleware(logger loggingpkg.ServiceLogger) OperationMiddleware {
	return func(next OperationFunc) OperationFunc {
		return func(ctx context.Context, inv *Invocation) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					result = nil
					err = &errspkg.PanicError{Value: r}
					if logger != nil {
						fields := inv.logFields()
						fields["stacktrace"] = string(debug.Stack())
						logger.Error("Operation panicked", err, fields)
					}
				}
			}()
			return next(ctx, inv)
		}
	}
}

// RegisterMiddleware appends a middleware to the operation chain. It must be
// called before Start.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.started.Load() {
		return errspkg.ErrServiceStarted
	}

	var mw OperationMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.middlewaresMu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.middlewaresMu.Unlock()
	return nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// chain wraps base with the registered middlewares, first registered outermost.
func (s *Service) chain(base OperationFunc) OperationFunc {
	s.middlewaresMu.RLock()
	defer s.middlewaresMu.RUnlock()

	op := base
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		op = s.middlewares[i](op)
	}
	return op
}
