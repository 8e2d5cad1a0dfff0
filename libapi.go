package replyflow

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/replyflow/internal/runtime"
	codecpkg "github.com/drblury/replyflow/internal/runtime/codec"
	configpkg "github.com/drblury/replyflow/internal/runtime/config"
	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	filterspkg "github.com/drblury/replyflow/internal/runtime/filters"
	idspkg "github.com/drblury/replyflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/replyflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/replyflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/replyflow/internal/runtime/metadata"
	transportpkg "github.com/drblury/replyflow/internal/runtime/transport"
	"github.com/drblury/replyflow/sink"
	"github.com/drblury/replyflow/transport"
)

type (
	Config               = configpkg.Config
	Service              = runtimepkg.Service
	ServiceDependencies  = runtimepkg.ServiceDependencies
	TransportFactory     = transportpkg.Factory
	TransportFactoryFunc = transportpkg.FactoryFunc

	Position       = runtimepkg.Position
	ResponseRecord = runtimepkg.ResponseRecord
	AddressNamer   = runtimepkg.AddressNamer
	RetryEvent     = runtimepkg.RetryEvent

	Envelope[K, V any]     = runtimepkg.Envelope[K, V]
	Filter[K, V any]       = runtimepkg.Filter[K, V]
	Operation[K, V, R any] = runtimepkg.Operation[K, V, R]
	Listener[K, V, R any]  = runtimepkg.Listener[K, V, R]
	Source[K, V any]       = runtimepkg.Source[K, V]
	SourceFunc[K, V any]   = runtimepkg.SourceFunc[K, V]
	WatermillSource[V any] = runtimepkg.WatermillSource[V]
	Decoder[V any]         = codecpkg.Decoder[V]

	Invocation             = runtimepkg.Invocation
	OperationFunc          = runtimepkg.OperationFunc
	OperationMiddleware    = runtimepkg.OperationMiddleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	OperationContext = runtimepkg.OperationContext
	OperationHooks   = runtimepkg.OperationHooks

	Producer          = runtimepkg.Producer
	ResponsePublisher = runtimepkg.ResponsePublisher
	ListenerMetrics   = runtimepkg.ListenerMetrics

	Sink           = sink.Sink
	ResponseStore  = sink.Store
	ResponseReader = sink.Reader
	Notifier       = sink.Notifier

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ListenerInfo  = runtimepkg.ListenerInfo
	ListenerStats = runtimepkg.ListenerStats

	ConfigValidationError = errspkg.ConfigValidationError
	PanicError            = errspkg.PanicError

	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.Load

	Address = runtimepkg.Address

	DefaultMiddlewares       = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware  = runtimepkg.CorrelationIDMiddleware
	LogInvocationsMiddleware = runtimepkg.LogInvocationsMiddleware
	TracerMiddleware         = runtimepkg.TracerMiddleware
	MetricsMiddleware        = runtimepkg.MetricsMiddleware
	TimeoutMiddleware        = runtimepkg.TimeoutMiddleware
	RecovererMiddleware      = runtimepkg.RecovererMiddleware

	// Operation lifecycle hooks
	OperationHooksMiddleware = runtimepkg.OperationHooksMiddleware
	LoggingHooks             = runtimepkg.LoggingHooks
	MetricsHooks             = runtimepkg.MetricsHooks
	AlertingHooks            = runtimepkg.AlertingHooks

	NewResponsePublisher = runtimepkg.NewResponsePublisher
	NewListenerMetrics   = runtimepkg.NewListenerMetrics
	NewEventMessage      = runtimepkg.NewEventMessage
	PublishEvent         = runtimepkg.PublishEvent
	ComposeSink          = sink.Compose

	BytesDecoder  = codecpkg.Bytes
	StringDecoder = codecpkg.String
	EncodeResult  = codecpkg.EncodeResult

	GetCapabilities          = transport.GetCapabilities
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	DefaultTransportFactory  = transportpkg.DefaultFactory

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode

	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrListenerNameRequired = errspkg.ErrListenerNameRequired
	ErrListenerExists       = errspkg.ErrListenerExists
	ErrSourceRequired       = errspkg.ErrSourceRequired
	ErrOperationRequired    = errspkg.ErrOperationRequired
	ErrChannelRequired      = errspkg.ErrChannelRequired
	ErrSinkRequired         = errspkg.ErrSinkRequired
	ErrSubscriberRequired   = errspkg.ErrSubscriberRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrTopicRequired        = errspkg.ErrTopicRequired
	ErrDecoderRequired      = errspkg.ErrDecoderRequired
	ErrEventRequired        = errspkg.ErrEventRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrServiceStarted       = errspkg.ErrServiceStarted
	ErrStreamClosed         = errspkg.ErrStreamClosed
	ErrResponseNotFound     = sink.ErrNotFound

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New

	// NewID returns a time-sortable ULID.
	NewID = idspkg.New
)

// Metadata keys understood by listeners and sources.
const (
	MetadataKeyCorrelationID   = metadatapkg.KeyCorrelationID
	MetadataKeyResponseChannel = metadatapkg.KeyResponseChannel
	MetadataKeyPartition       = metadatapkg.KeyPartition
	MetadataKeyOffset          = metadatapkg.KeyOffset
	MetadataKeyKey             = metadatapkg.KeyKey
	MetadataKeyAddress         = metadatapkg.KeyAddress
)

// Response store and notifier kinds for Config.
const (
	SinkRedis  = configpkg.SinkRedis
	SinkMemory = configpkg.SinkMemory
	SinkPubSub = configpkg.SinkPubSub
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone     = runtimepkg.ErrorCategoryNone
	ErrorCategoryPanic    = runtimepkg.ErrorCategoryPanic
	ErrorCategoryTimeout  = runtimepkg.ErrorCategoryTimeout
	ErrorCategoryCanceled = runtimepkg.ErrorCategoryCanceled
	ErrorCategoryOther    = runtimepkg.ErrorCategoryOther
)

// RegisterListener attaches a listener to svc. It must be called before Start.
func RegisterListener[K, V, R any](svc *Service, l Listener[K, V, R]) error {
	return runtimepkg.RegisterListener(svc, l)
}

// NewTopicSource consumes topic from the service's transport subscriber.
func NewTopicSource[V any](svc *Service, topic string, decoder Decoder[V]) (*WatermillSource[V], error) {
	return runtimepkg.NewTopicSource(svc, topic, decoder)
}

func NewWatermillSource[V any](subscriber message.Subscriber, topic string, decoder Decoder[V], logger ServiceLogger) (*WatermillSource[V], error) {
	return runtimepkg.NewWatermillSource(subscriber, topic, decoder, logger)
}

// SliceSource replays a fixed set of envelopes once and then blocks until
// the listener stops.
func SliceSource[K, V any](envelopes ...Envelope[K, V]) Source[K, V] {
	return runtimepkg.SliceSource(envelopes...)
}

func JSONDecoder[V any]() Decoder[V] {
	return codecpkg.JSON[V]()
}

func ProtoDecoder[M proto.Message]() Decoder[M] {
	return codecpkg.Proto[M]()
}

// WithDefault composes f after the default non-empty value check.
func WithDefault[K, V any](f Filter[K, V]) Filter[K, V] {
	return runtimepkg.WithDefault(f)
}

func AllFilters[K, V any](filters ...Filter[K, V]) Filter[K, V] {
	return runtimepkg.All(filters...)
}

func RequireString[K, V any](extract func(value *V) string) Filter[K, V] {
	return runtimepkg.RequireString[K](extract)
}

// CELFilter compiles a CEL expression over partition, offset, key, topic,
// value and headers into a Filter.
func CELFilter[K, V any](expr string) (Filter[K, V], error) {
	return filterspkg.CEL[K, V](expr)
}
