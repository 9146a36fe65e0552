// Package observability provides OpenTelemetry tracing and RED metrics
// (rate, errors, duration) for the certification service, exported over
// OTLP gRPC. Telemetry stays off unless an endpoint is configured, so
// library consumers and tests pay nothing; a disabled Provider is a safe
// no-op.
//
// # Setup
//
// Initialize a provider at application startup:
//
//	tp, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "cdil",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1,
//		Enabled:      true,
//	})
//	defer tp.Shutdown(ctx)
//
// Trace routed HTTP traffic:
//
//	http.ListenAndServe(addr, tp.HTTPMiddleware(mux))
//
// Instrument an operation:
//
//	ctx, done := tp.TrackOperation(ctx, "issue_certificate",
//		observability.IssueOperation(tenantID)...)
//	defer func() { done(err) }()
//
// Span and metric attributes carry identifiers only: tenant ids,
// certificate ids, key ids. Never note text, never full hashes.
package observability
