package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	configpkg "github.com/drblury/replyflow/internal/runtime/config"
	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/replyflow/internal/runtime/logging"
	transportpkg "github.com/drblury/replyflow/internal/runtime/transport"
	sinkpkg "github.com/drblury/replyflow/sink"
	memorysink "github.com/drblury/replyflow/sink/memory"
	pubsubsink "github.com/drblury/replyflow/sink/pubsub"
	redissink "github.com/drblury/replyflow/sink/redis"
	"github.com/drblury/replyflow/transport"
)

var errReaderUnavailable = errors.New("replyflow: response sink cannot be read")

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to build them from the configuration.
type ServiceDependencies struct {
	// Sink replaces the configured response store and notifier.
	Sink sinkpkg.Sink
	// Reader serves AwaitResponse and FetchResponse. Defaults to Sink when it
	// implements sinkpkg.Reader.
	Reader sinkpkg.Reader
	// RedisClient is used instead of dialing Config.RedisAddrs.
	RedisClient goredis.UniversalClient

	TransportFactory          transportpkg.Factory
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.

	// Clock drives backoff waits and stats. Defaults to the real clock.
	Clock clockwork.Clock
	// Registerer receives the listener metrics. When nil, metrics are only
	// created if Config.MetricsEnabled is set, on the default registerer.
	Registerer      prometheus.Registerer
	ErrorClassifier ErrorClassifier
}

// Service owns the transport, the response sink and the registered listeners.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport  transport.Transport
	publisher  message.Publisher
	subscriber message.Subscriber

	sink      sinkpkg.Sink
	reader    sinkpkg.Reader
	responses *ResponsePublisher

	clock   clockwork.Clock
	metrics *ListenerMetrics

	middlewares   []OperationMiddleware
	middlewaresMu sync.RWMutex

	listeners   []runner
	listenersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	errorClassifier ErrorClassifier
	resourceTracker *resourceTracker

	closers   []func() error
	started   atomic.Bool
	closeOnce sync.Once
}

// NewService is TryNewService that panics on error.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService constructs a Service for the supplied configuration. Register
// listeners on the returned Service before calling Start.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	conf.ApplyDefaults()
	if err := validateConfig(conf, deps); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating replyflow service",
		loggingpkg.LogFields{
			"pubsub_system": conf.PubSubSystem,
			"config":        conf.String(),
		})

	s := &Service{
		Conf:            conf,
		Logger:          log,
		clock:           deps.Clock,
		errorClassifier: deps.ErrorClassifier,
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.errorClassifier == nil {
		s.errorClassifier = defaultErrorClassifier
	}
	s.resourceTracker = newResourceTracker(s.clock)

	if err := s.buildTransport(ctx, deps); err != nil {
		return nil, err
	}

	if err := s.buildMetrics(deps); err != nil {
		_ = s.Close()
		return nil, err
	}

	if err := s.buildSink(deps); err != nil {
		_ = s.Close()
		return nil, err
	}

	responses, err := NewResponsePublisher(s.sink, conf.ResponseTTL, conf.PublishTimeout, log, s.metrics)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.responses = responses

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		_ = s.Close()
		return nil, err
	}

	s.StartWebUIServer()
	return s, nil
}

// validateConfig checks conf, treating injected collaborators as satisfying
// the settings they replace.
func validateConfig(conf *configpkg.Config, deps ServiceDependencies) error {
	check := *conf
	if deps.Sink != nil {
		check.ResponseStore = configpkg.SinkMemory
		check.ResponseNotifier = ""
	}
	if deps.RedisClient != nil && len(check.RedisAddrs) == 0 {
		check.RedisAddrs = []string{"injected"}
	}
	return check.Validate()
}

func (s *Service) buildTransport(ctx context.Context, deps ServiceDependencies) error {
	factory := deps.TransportFactory
	if factory == nil {
		if s.Conf.PubSubSystem == "" {
			return nil
		}
		factory = transportpkg.DefaultFactory()
	}

	t, err := factory.Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return fmt.Errorf("build transport %q: %w", s.Conf.PubSubSystem, err)
	}
	s.transport = t
	s.publisher = t.Publisher
	s.subscriber = t.Subscriber
	return nil
}

func (s *Service) buildMetrics(deps ServiceDependencies) error {
	registerer := deps.Registerer
	if registerer == nil {
		if !s.Conf.MetricsEnabled {
			return nil
		}
		registerer = prometheus.DefaultRegisterer
	}

	s.metrics = NewListenerMetrics(registerer)
	if err := s.metrics.Register(); err != nil {
		return fmt.Errorf("register listener metrics: %w", err)
	}

	if s.Conf.MetricsEnabled {
		handler := promhttp.Handler()
		if gatherer, ok := registerer.(prometheus.Gatherer); ok && registerer != prometheus.DefaultRegisterer {
			handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
		}
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", handler)
	}
	return nil
}

func (s *Service) buildSink(deps ServiceDependencies) error {
	if deps.Sink != nil {
		s.sink = deps.Sink
		s.reader = deps.Reader
		if s.reader == nil {
			s.reader, _ = deps.Sink.(sinkpkg.Reader)
		}
		return nil
	}

	var (
		redisBackend  *redissink.Sink
		memoryBackend *memorysink.Sink
	)
	redisSink := func() *redissink.Sink {
		if redisBackend != nil {
			return redisBackend
		}
		if deps.RedisClient != nil {
			redisBackend = redissink.New(deps.RedisClient)
		} else {
			redisBackend = redissink.NewFromAddrs(s.Conf.RedisAddrs, s.Conf.RedisUsername, s.Conf.RedisPassword, s.Conf.RedisDB)
			s.closers = append(s.closers, redisBackend.Client().Close)
		}
		return redisBackend
	}
	memorySink := func() *memorysink.Sink {
		if memoryBackend == nil {
			memoryBackend = memorysink.New(memorysink.WithClock(s.clock))
		}
		return memoryBackend
	}

	var (
		store    sinkpkg.Store
		notifier sinkpkg.Notifier
	)
	switch strings.ToLower(s.Conf.ResponseStore) {
	case configpkg.SinkMemory:
		store, notifier, s.reader = memorySink(), memorySink(), memorySink()
	default:
		store, notifier, s.reader = redisSink(), redisSink(), redisSink()
	}

	switch strings.ToLower(s.Conf.ResponseNotifier) {
	case "":
	case configpkg.SinkRedis:
		notifier = redisSink()
	case configpkg.SinkMemory:
		notifier = memorySink()
	case configpkg.SinkPubSub:
		if s.publisher == nil {
			return errspkg.ErrPublisherRequired
		}
		notifier = pubsubsink.New(s.publisher)
	}

	s.sink = sinkpkg.Compose(store, notifier)
	return nil
}

func (s *Service) getErrorClassifier() ErrorClassifier {
	if s.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return s.errorClassifier
}

func (s *Service) getResourceTracker() *resourceTracker {
	if s.resourceTracker == nil {
		s.resourceTracker = newResourceTracker(s.clock)
	}
	return s.resourceTracker
}

// Publisher returns the transport publisher, nil without a transport.
func (s *Service) Publisher() message.Publisher { return s.publisher }

// Subscriber returns the transport subscriber, nil without a transport.
func (s *Service) Subscriber() message.Subscriber { return s.subscriber }

// Sink returns the response sink lanes publish to.
func (s *Service) Sink() sinkpkg.Sink { return s.sink }

// Reader returns the requester side of the sink, which may be nil.
func (s *Service) Reader() sinkpkg.Reader { return s.reader }

func (s *Service) Clock() clockwork.Clock { return s.clock }

// Metrics returns the listener metrics or nil when they are disabled.
func (s *Service) Metrics() *ListenerMetrics { return s.metrics }

// Listeners returns a snapshot of the registered listeners.
func (s *Service) Listeners() []ListenerInfo {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	infos := make([]ListenerInfo, 0, len(s.listeners))
	for _, l := range s.listeners {
		infos = append(infos, l.info())
	}
	return infos
}

func (s *Service) listenerRunners() []runner {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	return slices.Clone(s.listeners)
}

// FetchResponse reads the response stored at address.
func (s *Service) FetchResponse(ctx context.Context, address string) ([]byte, error) {
	if s.reader == nil {
		return nil, errReaderUnavailable
	}
	return s.reader.Fetch(ctx, address)
}

// AwaitResponse blocks until a response is available at address or ctx ends.
func (s *Service) AwaitResponse(ctx context.Context, address string) ([]byte, error) {
	if s.reader == nil {
		return nil, errReaderUnavailable
	}
	return s.reader.Await(ctx, address)
}

// RegisterHTTPHandler mounts handler on the HTTP server for port. Servers
// start with the Service.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}
