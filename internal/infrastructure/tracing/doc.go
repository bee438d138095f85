/*
Package tracing tags API requests with trace and span IDs.

Each request gets a span; callers may pass X-Trace-ID to join an existing
trace. The IDs are echoed back in response headers, carried on the request
context, and attached to host log lines via Field. Finished spans are
logged by a background collector.

	tracer := tracing.New("webmonkey", logger)
	defer tracer.Close()
	router.Use(tracing.HTTPMiddleware(tracer))
*/
package tracing
