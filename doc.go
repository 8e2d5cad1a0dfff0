// Package replyflow consumes partitioned streams and turns every envelope
// into an independent processing lane. A lane runs the listener's operation,
// retries failures with a linear backoff until it succeeds or the service
// stops, and publishes the result as a response record: the payload is
// stored under "{channel}:{partition}:{offset}" with a TTL and the same
// address is notified so waiting callers can pick it up.
//
// Streams come from Watermill transports (Kafka, NATS, JetStream, RabbitMQ or
// Go channels) selected through Config.PubSubSystem, or from any Source
// implementation. Responses go to Redis or an in-memory sink, and the
// notification can optionally be published back onto the transport.
//
// A minimal setup fills Config, creates a Service, registers listeners with
// RegisterListener and calls Start or Run:
//
//	svc := replyflow.NewService(cfg, logger, ctx, replyflow.ServiceDependencies{})
//	source, _ := replyflow.NewTopicSource(svc, "transactions", replyflow.JSONDecoder[Transaction]())
//	_ = replyflow.RegisterListener(svc, replyflow.Listener[string, Transaction, Receipt]{
//		Name:      "transactions",
//		Channel:   "receipts",
//		Source:    source,
//		Operation: settle,
//	})
//	_ = svc.Run(ctx)
//
// # Failures
//
// Operation failures never reach the stream: the lane sleeps
// max(floor, attempt*step) and tries again. Stream failures restart
// consumption after the same kind of delay computed from the listener's fault
// count. Both policies are tunable on Config.
//
// # Middleware
//
// Every attempt runs through a middleware chain. The defaults add a
// correlation id, debug logging, OpenTelemetry spans, Prometheus metrics, an
// optional per-attempt timeout and panic recovery. OperationHooksMiddleware
// adds start, done and error callbacks.
package replyflow
