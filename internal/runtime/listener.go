package runtime

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	backoffpkg "github.com/drblury/replyflow/internal/runtime/backoff"
	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/replyflow/internal/runtime/logging"
)

// Operation is the business command run for one accepted envelope. It may be
// called several times for the same envelope and must honour ctx.
type Operation[K, V, R any] func(ctx context.Context, env Envelope[K, V]) (R, error)

// Listener binds a stream source to an operation and a response channel.
type Listener[K, V, R any] struct {
	Name string
	// Channel is the base response address.
	Channel   string
	Source    Source[K, V]
	Filter    Filter[K, V]
	Operation Operation[K, V, R]

	// Namer derives addresses from Channel; Address when nil.
	Namer AddressNamer
	// ResponseChannel optionally replaces Channel per envelope. When it is nil
	// or returns "", the replyflow_response_channel header is used if present.
	ResponseChannel func(Envelope[K, V]) string
	// OnRetry is called after every failed attempt.
	OnRetry func(RetryEvent)
	// MaxInFlightLanes overrides Config.MaxInFlightLanes when positive.
	MaxInFlightLanes int
}

// runner is the type-erased view the Service keeps of a listener.
type runner interface {
	name() string
	info() ListenerInfo
	run(ctx context.Context) error
}

type listenerRunner[K, V, R any] struct {
	svc      *Service
	listener Listener[K, V, R]
	filter   Filter[K, V]
	logger   loggingpkg.ServiceLogger
	stats    *ListenerStats

	messagePolicy backoffpkg.Strategy
	streamPolicy  backoffpkg.Strategy
	resetFaults   bool
	drainTimeout  time.Duration
	sem           *semaphore.Weighted
}

// RegisterListener validates l and adds it to svc. Listeners must be
// registered before Start.
func RegisterListener[K, V, R any](svc *Service, l Listener[K, V, R]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if l.Name == "" {
		return errspkg.ErrListenerNameRequired
	}
	if l.Source == nil {
		return errspkg.ErrSourceRequired
	}
	if l.Operation == nil {
		return errspkg.ErrOperationRequired
	}
	if l.Channel == "" {
		return errspkg.ErrChannelRequired
	}

	svc.listenersMu.Lock()
	defer svc.listenersMu.Unlock()

	if svc.started.Load() {
		return errspkg.ErrServiceStarted
	}
	for _, existing := range svc.listeners {
		if existing.name() == l.Name {
			return errspkg.ErrListenerExists
		}
	}

	r := &listenerRunner[K, V, R]{
		svc:           svc,
		listener:      l,
		filter:        WithDefault(l.Filter),
		logger:        svc.Logger.With(loggingpkg.LogFields{"listener": l.Name}),
		stats:         newListenerStats(svc.clock, svc.getResourceTracker()),
		messagePolicy: svc.Conf.MessagePolicy(),
		streamPolicy:  svc.Conf.StreamPolicy(),
		resetFaults:   svc.Conf.ResetStreamFaultsOnRecovery,
		drainTimeout:  svc.Conf.DrainTimeout,
	}

	limit := svc.Conf.MaxInFlightLanes
	if l.MaxInFlightLanes > 0 {
		limit = l.MaxInFlightLanes
	}
	if limit > 0 {
		r.sem = semaphore.NewWeighted(int64(limit))
	}

	svc.listeners = append(svc.listeners, r)
	svc.Logger.Info("Listener registered", loggingpkg.LogFields{
		"listener":      l.Name,
		"channel":       l.Channel,
		"max_in_flight": limit,
	})
	return nil
}

func (r *listenerRunner[K, V, R]) name() string { return r.listener.Name }

func (r *listenerRunner[K, V, R]) info() ListenerInfo {
	return ListenerInfo{
		Name:    r.listener.Name,
		Channel: r.listener.Channel,
		Stats:   r.stats,
	}
}

// run consumes until ctx ends, then drains lanes and the publisher.
func (r *listenerRunner[K, V, R]) run(ctx context.Context) error {
	op := r.svc.chain(r.invoke)

	completions := make(chan completion)
	stop := make(chan struct{})
	publisherDone := make(chan struct{})
	go func() {
		defer close(publisherDone)
		r.publishLoop(ctx, completions, stop)
	}()

	var lanes sync.WaitGroup
	dispatch := func(env Envelope[K, V]) error {
		r.svc.metrics.EnvelopeReceived(r.listener.Name)
		if !r.filter(env) {
			r.svc.metrics.EnvelopeFiltered(r.listener.Name)
			r.stats.onReceived(true)
			return nil
		}
		r.stats.onReceived(false)

		if r.sem != nil {
			if err := r.sem.Acquire(ctx, 1); err != nil {
				return err
			}
		}

		acceptedAt := r.svc.clock.Now()
		r.svc.metrics.LaneStarted(r.listener.Name)
		r.stats.onLaneStart()

		lanes.Go(func() {
			defer func() {
				r.stats.onLaneFinish()
				r.svc.metrics.LaneFinished(r.listener.Name)
				if r.sem != nil {
					r.sem.Release(1)
				}
			}()

			rec, ok := r.runLane(ctx, op, env)
			if !ok {
				return
			}
			select {
			case completions <- completion{record: rec, acceptedAt: acceptedAt}:
			case <-stop:
				r.logger.Error("Dropping response completed after drain", context.DeadlineExceeded, loggingpkg.LogFields{
					"address": rec.Address,
				})
			}
		})
		return nil
	}

	r.logger.Info("Listener started", nil)
	r.supervise(ctx, dispatch)
	r.logger.Info("Listener received stop signal", nil)

	r.drain(&lanes)
	close(stop)
	<-publisherDone

	r.logger.Info("Listener stopped", nil)
	return nil
}

// supervise restarts consumption after every stream fault until ctx ends.
func (r *listenerRunner[K, V, R]) supervise(ctx context.Context, dispatch func(Envelope[K, V]) error) {
	faults := backoffpkg.NewSequence(r.streamPolicy)
	pass := func() error {
		delivered, err := r.consume(ctx, dispatch)
		if ctx.Err() != nil {
			return backoffpkg.Permanent(ctx.Err())
		}
		if r.resetFaults && delivered > 0 {
			faults.Reset()
		}
		if err == nil {
			return errspkg.ErrStreamClosed
		}
		return backoffpkg.Transient(err)
	}
	notify := func(err error, delay time.Duration) {
		fault := faults.Retries()
		r.logger.Error("Stream failed, restarting consumption", err, loggingpkg.LogFields{
			"fault": fault,
			"delay": delay.String(),
		})
		r.svc.metrics.StreamFaulted(r.listener.Name)
		r.stats.onStreamFault(err, fault)
	}

	_ = backoffpkg.Retry(ctx, r.svc.clock, faults, pass, notify)
}

// consume runs one pass over a fresh source sequence. Panics from the source,
// the filter or dispatch are returned as errors.
func (r *listenerRunner[K, V, R]) consume(ctx context.Context, dispatch func(Envelope[K, V]) error) (delivered int, err error) {
	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			err = &errspkg.PanicError{Value: rec}
		}
	}()

	for env, srcErr := range r.listener.Source.Consume(consumeCtx) {
		if srcErr != nil {
			return delivered, srcErr
		}
		delivered++
		if err := dispatch(env); err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}

// drain waits for in-flight lanes, at most drainTimeout.
func (r *listenerRunner[K, V, R]) drain(lanes *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		lanes.Wait()
		close(done)
	}()

	if r.drainTimeout <= 0 {
		<-done
		return
	}

	timer := r.svc.clock.NewTimer(r.drainTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.Chan():
		r.logger.Error("Drain timeout elapsed with lanes in flight", context.DeadlineExceeded, loggingpkg.LogFields{
			"in_flight": r.stats.inFlight(),
			"timeout":   r.drainTimeout.String(),
		})
	}
}

// publishLoop is the single consumer of lane completions.
func (r *listenerRunner[K, V, R]) publishLoop(ctx context.Context, completions <-chan completion, stop <-chan struct{}) {
	for {
		select {
		case c := <-completions:
			if err := r.svc.responses.Publish(ctx, c.record); err != nil {
				r.stats.onPublishFailed()
				continue
			}
			r.stats.onResponse(r.svc.clock.Since(c.acceptedAt))
		case <-stop:
			return
		}
	}
}
