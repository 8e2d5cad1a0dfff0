/*
Package runtime provides the listener pipeline behind replyflow.

# Architecture Overview

A listener consumes a partitioned stream, drops envelopes its filter rejects
and starts one lane per accepted envelope. A lane retries the listener's
operation with a growing delay until it succeeds or the service shuts down,
then hands its result to a single publisher goroutine which stores it under an
address derived from the envelope's position and notifies that address.

# Package Structure

## Core Service (service.go, lifecycle.go)

The Service struct wires together:
  - Publisher and subscriber from the configured transport
  - The response sink (Redis, in-memory, or a Watermill notifier)
  - The operation middleware chain
  - HTTP servers for metrics and the listener API

## Listeners (listener.go, lane.go, source.go, filter.go)

  - listener.go: registration, fan-out, stream fault recovery and draining
  - lane.go: the per-envelope retry loop
  - source.go: stream sources, including one backed by a Watermill subscriber
  - filter.go: envelope filters; the empty-value filter is always applied

## Middleware (middleware.go, hooks.go)

Middleware wraps each operation attempt:
  - CorrelationID: ensures lane traceability
  - LogInvocations: debug logging of attempts
  - Tracer: OpenTelemetry span per attempt
  - Metrics: Prometheus attempt durations
  - Timeout: optional per-attempt deadline
  - Recoverer: panic recovery

## Responses (publisher.go, envelope.go)

Encoding and best-effort delivery of results to the sink.

## Stats & Monitoring (metrics.go, stats.go, webui.go)

Prometheus collectors and the JSON snapshot served at /api/listeners.

# Sub-packages

  - backoff/: retry and restart delay policies
  - codec/: payload decoders and result encoding
  - config/: Service configuration with validation
  - errors/: Sentinel errors and error types
  - filters/: CEL expression filters
  - ids/: ULID generation for lane and correlation ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Envelope metadata utilities
  - transport/: transport factory used by the Service

# Usage Example

	cfg := &replyflow.Config{
		PubSubSystem: "kafka",
		KafkaBrokers: []string{"localhost:9092"},
		RedisAddrs:   []string{"localhost:6379"},
	}

	svc := replyflow.NewService(cfg, logger, ctx, replyflow.ServiceDependencies{})

	source, _ := replyflow.NewTopicSource(svc, "transactions", replyflow.JSONDecoder[Transaction]())
	replyflow.RegisterListener(svc, replyflow.Listener[string, Transaction, Receipt]{
		Name:      "transactions",
		Channel:   "transactions",
		Source:    source,
		Operation: settle,
	})

	svc.Run(ctx)
*/
package runtime
