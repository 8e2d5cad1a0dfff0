package runtime

import (
	"context"
	"time"

	backoffpkg "github.com/drblury/replyflow/internal/runtime/backoff"
	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	idspkg "github.com/drblury/replyflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/replyflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/replyflow/internal/runtime/metadata"
)

// RetryEvent is passed to Listener.OnRetry after a failed attempt, before the
// lane waits.
type RetryEvent struct {
	Listener string
	LaneID   string
	Position Position
	Attempt  int
	Delay    time.Duration
	Err      error
}

// completion is a successful lane result on its way to the publisher.
type completion struct {
	record     ResponseRecord
	acceptedAt time.Time
}

// runLane retries the operation for env until it succeeds or ctx ends. It
// reports false when the lane was cancelled; lanes never surface errors.
func (r *listenerRunner[K, V, R]) runLane(ctx context.Context, op OperationFunc, env Envelope[K, V]) (ResponseRecord, bool) {
	laneID := idspkg.NewAt(r.svc.clock.Now())
	logger := r.logger.With(loggingpkg.LogFields{
		"lane_id":   laneID,
		"partition": env.Position.Partition,
		"offset":    env.Position.Offset,
	})

	env.Metadata = env.Metadata.Clone()
	inv := &Invocation{
		Listener: r.listener.Name,
		LaneID:   laneID,
		Position: env.Position,
		Metadata: env.Metadata,
		Envelope: env,
	}

	var result any
	attempt := func() error {
		inv.Attempt++
		var err error
		result, err = callOperation(ctx, op, inv)
		return backoffpkg.Transient(err)
	}
	notify := func(err error, delay time.Duration) {
		logger.Error("Operation failed, retrying", err, loggingpkg.LogFields{
			"attempt": inv.Attempt,
			"delay":   delay.String(),
		})
		r.svc.metrics.RetryScheduled(r.listener.Name)
		r.stats.onAttemptFailed(err, r.svc.getErrorClassifier())
		if r.listener.OnRetry != nil {
			r.listener.OnRetry(RetryEvent{
				Listener: r.listener.Name,
				LaneID:   laneID,
				Position: env.Position,
				Attempt:  inv.Attempt,
				Delay:    delay,
				Err:      err,
			})
		}
	}

	if err := backoffpkg.Retry(ctx, r.svc.clock, backoffpkg.NewSequence(r.messagePolicy), attempt, notify); err != nil {
		logger.Info("Lane cancelled", loggingpkg.LogFields{
			"attempt":  inv.Attempt,
			"lane_age": laneAge(r.svc.clock.Now(), laneID).String(),
		})
		return ResponseRecord{}, false
	}
	return r.record(env, inv, result), true
}

// laneAge is how long ago the lane id was minted. Ids that do not parse
// report zero.
func laneAge(now time.Time, laneID string) time.Duration {
	started, ok := idspkg.Time(laneID)
	if !ok {
		return 0
	}
	return max(now.Sub(started), 0)
}

// callOperation guards against panics when the recoverer middleware is not in
// the chain.
func callOperation(ctx context.Context, op OperationFunc, inv *Invocation) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = &errspkg.PanicError{Value: rec}
		}
	}()
	return op(ctx, inv)
}

func (r *listenerRunner[K, V, R]) record(env Envelope[K, V], inv *Invocation, result any) ResponseRecord {
	override := ""
	if r.listener.ResponseChannel != nil {
		override = r.listener.ResponseChannel(env)
	}
	if override == "" {
		override, _ = inv.Metadata.Lookup(metadatapkg.KeyResponseChannel)
	}

	return ResponseRecord{
		Listener:        r.listener.Name,
		Position:        env.Position,
		Result:          result,
		AddressOverride: override,
		Address:         resolveAddress(r.listener.Namer, r.listener.Channel, override, env.Position),
		CorrelationID:   inv.CorrelationID(),
	}
}

// invoke is the innermost OperationFunc: it hands the lane's envelope, with
// the metadata middleware may have annotated, to the typed operation.
func (r *listenerRunner[K, V, R]) invoke(ctx context.Context, inv *Invocation) (any, error) {
	env, _ := inv.Envelope.(Envelope[K, V])
	env.Metadata = inv.Metadata
	result, err := r.listener.Operation(ctx, env)
	if err != nil {
		return nil, err
	}
	return result, nil
}
