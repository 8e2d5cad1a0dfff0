package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/replyflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/replyflow/internal/runtime/metadata"
)

// OperationContext provides information about an operation attempt to hooks.
type OperationContext struct {
	Listener string
	LaneID   string
	Position Position
	// Attempt is 1 for the first call and grows with every retry.
	Attempt  int
	Metadata metadatapkg.Metadata
	Context  context.Context
	// StartedAt is when the attempt started.
	StartedAt time.Time
	// Duration is only set for OnDone and OnError.
	Duration time.Duration
}

// OperationHooks defines callbacks for operation attempts.
// All hooks are optional - nil hooks are simply not called.
type OperationHooks struct {
	OnStart func(ctx OperationContext)
	OnDone  func(ctx OperationContext)
	// OnError receives the attempt's error. The lane retries afterwards.
	OnError func(ctx OperationContext, err error)
}

// Merge combines two OperationHooks. The hooks from other run after h's.
func (h OperationHooks) Merge(other OperationHooks) OperationHooks {
	return OperationHooks{
		OnStart: chainHooks(h.OnStart, other.OnStart),
		OnDone:  chainHooks(h.OnDone, other.OnDone),
		OnError: chainErrorHooks(h.OnError, other.OnError),
	}
}

func chainHooks(a, b func(OperationContext)) func(OperationContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx OperationContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(OperationContext, error)) func(OperationContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx OperationContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// OperationHooksMiddleware invokes hooks around every attempt.
func OperationHooksMiddleware(hooks OperationHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "operation_hooks",
		Middleware: operationHooksMiddleware(hooks),
	}
}

func operationHooksMiddleware(hooks OperationHooks) OperationMiddleware {
	return func(next OperationFunc) OperationFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			opCtx := OperationContext{
				Listener:  inv.Listener,
				LaneID:    inv.LaneID,
				Position:  inv.Position,
				Attempt:   inv.Attempt,
				Metadata:  inv.Metadata,
				Context:   ctx,
				StartedAt: time.Now(),
			}

			if hooks.OnStart != nil {
				hooks.OnStart(opCtx)
			}

			result, err := next(ctx, inv)
			opCtx.Duration = time.Since(opCtx.StartedAt)

			if err != nil {
				if hooks.OnError != nil {
					hooks.OnError(opCtx, err)
				}
			} else if hooks.OnDone != nil {
				hooks.OnDone(opCtx)
			}

			return result, err
		}
	}
}

// LoggingHooks returns hooks that log attempt lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) OperationHooks {
	fields := func(ctx OperationContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"listener":  ctx.Listener,
			"lane_id":   ctx.LaneID,
			"partition": ctx.Position.Partition,
			"offset":    ctx.Position.Offset,
			"attempt":   ctx.Attempt,
		}
	}
	return OperationHooks{
		OnStart: func(ctx OperationContext) {
			logger.Info("Operation started", fields(ctx))
		},
		OnDone: func(ctx OperationContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Operation completed", f)
		},
		OnError: func(ctx OperationContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Operation attempt failed", err, f)
		},
	}
}

// MetricsHooks returns hooks that report attempts to caller-provided counters.
func MetricsHooks(onStart, onDone, onError func(listener string, attempt int)) OperationHooks {
	return OperationHooks{
		OnStart: func(ctx OperationContext) {
			if onStart != nil {
				onStart(ctx.Listener, ctx.Attempt)
			}
		},
		OnDone: func(ctx OperationContext) {
			if onDone != nil {
				onDone(ctx.Listener, ctx.Attempt)
			}
		},
		OnError: func(ctx OperationContext, _ error) {
			if onError != nil {
				onError(ctx.Listener, ctx.Attempt)
			}
		},
	}
}

// AlertingHooks returns hooks that call alertFunc on failed attempts.
func AlertingHooks(alertFunc func(ctx OperationContext, err error)) OperationHooks {
	return OperationHooks{
		OnError: alertFunc,
	}
}
