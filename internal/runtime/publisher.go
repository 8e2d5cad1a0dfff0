package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	codecpkg "github.com/drblury/replyflow/internal/runtime/codec"
	configpkg "github.com/drblury/replyflow/internal/runtime/config"
	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/replyflow/internal/runtime/logging"
	"github.com/drblury/replyflow/sink"
)

// Publish failure stages, used as the "stage" metric label.
const (
	StageEncode = "encode"
	StageStore  = "store"
	StageNotify = "notify"
)

var errAddressRequired = errors.New("replyflow: response address is required")

// ResponsePublisher writes successful lane results to the response sink. It is
// best effort: a failed write is logged and counted, never retried.
type ResponsePublisher struct {
	sink    sink.Sink
	ttl     time.Duration
	timeout time.Duration
	logger  loggingpkg.ServiceLogger
	metrics *ListenerMetrics
}

// NewResponsePublisher returns a publisher. Zero ttl and timeout fall back to
// the config defaults; a nil logger discards logs and nil metrics are skipped.
func NewResponsePublisher(s sink.Sink, ttl, timeout time.Duration, logger loggingpkg.ServiceLogger, metrics *ListenerMetrics) (*ResponsePublisher, error) {
	if s == nil {
		return nil, errspkg.ErrSinkRequired
	}
	if ttl <= 0 {
		ttl = configpkg.DefaultResponseTTL
	}
	if timeout <= 0 {
		timeout = configpkg.DefaultPublishTimeout
	}
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &ResponsePublisher{
		sink:    s,
		ttl:     ttl,
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Publish encodes rec.Result, stores it under rec.Address and notifies the
// address once the store succeeded. The writes outlive cancellation of ctx and
// are bounded by the publish timeout instead.
func (p *ResponsePublisher) Publish(ctx context.Context, rec ResponseRecord) error {
	address := rec.Address
	if address == "" && rec.AddressOverride != "" {
		address = Address(rec.AddressOverride, rec.Position)
	}
	fields := loggingpkg.LogFields{
		"listener":       rec.Listener,
		"address":        address,
		"partition":      rec.Position.Partition,
		"offset":         rec.Position.Offset,
		"correlation_id": rec.CorrelationID,
	}
	if address == "" {
		p.logger.Error("Dropping response without address", errAddressRequired, fields)
		p.metrics.PublishFailed(rec.Listener, StageEncode)
		return errAddressRequired
	}

	payload, err := codecpkg.EncodeResult(rec.Result)
	if err != nil {
		p.logger.Error("Failed to encode response", err, fields)
		p.metrics.PublishFailed(rec.Listener, StageEncode)
		return fmt.Errorf("encode response: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if err := p.sink.Store(writeCtx, address, payload, p.ttl); err != nil {
		p.logger.Error("Failed to store response", err, fields)
		p.metrics.PublishFailed(rec.Listener, StageStore)
		return fmt.Errorf("store response: %w", err)
	}

	if err := p.sink.Notify(writeCtx, address, payload); err != nil {
		p.logger.Error("Failed to notify response", err, fields)
		p.metrics.PublishFailed(rec.Listener, StageNotify)
		return fmt.Errorf("notify response: %w", err)
	}

	p.metrics.ResponsePublished(rec.Listener)
	p.logger.Debug("Response published", fields)
	return nil
}
