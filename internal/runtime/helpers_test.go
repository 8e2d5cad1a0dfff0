package runtime

import (
	"context"
	"errors"
	"iter"
	"maps"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/replyflow/internal/runtime/config"
	loggingpkg "github.com/drblury/replyflow/internal/runtime/logging"
	memorysink "github.com/drblury/replyflow/sink/memory"
)

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

// recordingLogger keeps every entry, with fields from With merged in, in a
// store shared by its children.
type recordingLogger struct {
	store  *logStore
	fields loggingpkg.LogFields
}

type logStore struct {
	mu      sync.Mutex
	entries []logEntry
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{store: &logStore{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := make(loggingpkg.LogFields, len(l.fields)+len(fields))
	maps.Copy(merged, l.fields)
	maps.Copy(merged, fields)
	return &recordingLogger{store: l.store, fields: merged}
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := make(loggingpkg.LogFields, len(l.fields)+len(fields))
	maps.Copy(merged, l.fields)
	maps.Copy(merged, fields)

	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	l.store.entries = append(l.store.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

// find returns the entries logged with msg.
func (l *recordingLogger) find(msg string) []logEntry {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	var found []logEntry
	for _, e := range l.store.entries {
		if e.msg == msg {
			found = append(found, e)
		}
	}
	return found
}

type storedResponse struct {
	address string
	payload []byte
	ttl     time.Duration
}

// recordingSink wraps the memory sink and keeps every write in order.
type recordingSink struct {
	*memorysink.Sink

	mu        sync.Mutex
	stores    []storedResponse
	notifies  []string
	storeErr  error
	notifyErr error
}

func newRecordingSink(clock clockwork.Clock) *recordingSink {
	return &recordingSink{Sink: memorysink.New(memorysink.WithClock(clock))}
}

func (s *recordingSink) Store(ctx context.Context, address string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	err := s.storeErr
	if err == nil {
		s.stores = append(s.stores, storedResponse{address: address, payload: payload, ttl: ttl})
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Sink.Store(ctx, address, payload, ttl)
}

func (s *recordingSink) Notify(ctx context.Context, address string, payload []byte) error {
	s.mu.Lock()
	err := s.notifyErr
	if err == nil {
		s.notifies = append(s.notifies, address)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Sink.Notify(ctx, address, payload)
}

func (s *recordingSink) storedAddresses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]string, 0, len(s.stores))
	for _, st := range s.stores {
		addrs = append(addrs, st.address)
	}
	return addrs
}

func (s *recordingSink) stored() []storedResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storedResponse(nil), s.stores...)
}

func (s *recordingSink) notified() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.notifies...)
}

type testHarness struct {
	svc      *Service
	sink     *recordingSink
	clock    *clockwork.FakeClock
	logger   *recordingLogger
	registry *prometheus.Registry
}

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestHarness(t *testing.T, configure ...func(*configpkg.Config)) *testHarness {
	t.Helper()
	return newTestHarnessWith(t, nil, configure...)
}

// newTestHarnessWith lets a test adjust the dependencies before the service
// is built.
func newTestHarnessWith(t *testing.T, withDeps func(*ServiceDependencies), configure ...func(*configpkg.Config)) *testHarness {
	t.Helper()

	clock := clockwork.NewFakeClockAt(testEpoch)
	h := &testHarness{
		sink:     newRecordingSink(clock),
		clock:    clock,
		logger:   newRecordingLogger(),
		registry: prometheus.NewRegistry(),
	}

	conf := &configpkg.Config{ResponseStore: configpkg.SinkMemory}
	for _, fn := range configure {
		fn(conf)
	}

	deps := ServiceDependencies{
		Sink:       h.sink,
		Clock:      clock,
		Registerer: h.registry,
	}
	if withDeps != nil {
		withDeps(&deps)
	}

	svc, err := TryNewService(conf, h.logger, context.Background(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	h.svc = svc
	return h
}

// start runs the service and returns a function that stops it and waits for
// Start to return.
func (h *testHarness) start(t *testing.T) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Start(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("service did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

// blockUntilWaiters waits until n timers are pending on the fake clock.
func (h *testHarness) blockUntilWaiters(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, n))
}

type transaction struct {
	ID     string `json:"id"`
	Amount int    `json:"amount"`
}

type receipt struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func txEnvelope(offset int64, tx *transaction) Envelope[string, transaction] {
	key := ""
	if tx != nil {
		key = tx.ID
	}
	return Envelope[string, transaction]{
		Key:      key,
		Value:    tx,
		Position: Position{Topic: "transactions", Partition: 0, Offset: offset},
	}
}

// scriptedSource returns the next script entry on every Consume call. An
// entry yields its envelopes, then its error if any, else blocks until ctx
// ends. Calls past the script block immediately.
type scriptedSource struct {
	calls  atomic.Int32
	script []consumePass
}

type consumePass struct {
	envelopes []Envelope[string, transaction]
	err       error
	panicWith any
}

func (s *scriptedSource) Consume(ctx context.Context) iter.Seq2[Envelope[string, transaction], error] {
	n := int(s.calls.Add(1)) - 1
	return func(yield func(Envelope[string, transaction], error) bool) {
		if n >= len(s.script) {
			<-ctx.Done()
			return
		}
		pass := s.script[n]
		for _, env := range pass.envelopes {
			if !yield(env, nil) {
				return
			}
		}
		if pass.panicWith != nil {
			panic(pass.panicWith)
		}
		if pass.err != nil {
			yield(Envelope[string, transaction]{}, pass.err)
			return
		}
		<-ctx.Done()
	}
}

type testPublisher struct {
	mu        sync.Mutex
	published []*message.Message
	topics    []string
	err       error
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for _, msg := range messages {
		p.topics = append(p.topics, topic)
		p.published = append(p.published, msg)
	}
	return nil
}

func (p *testPublisher) Close() error { return nil }

var errTestFailure = errors.New("downstream unavailable")
