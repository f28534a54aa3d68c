// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ExtractContext extracts trace context from incoming HTTP headers.
//
// Description:
//
//	Uses the globally configured propagator (set in Init) to extract
//	W3C TraceContext and Baggage from HTTP headers. The relay uses
//	this on websocket upgrade requests: the upgrade's trace context is
//	carried into the connection's own background context, which
//	outlives the HTTP handler.
//
// Inputs:
//
//	ctx - Base context to extend with trace information.
//	headers - HTTP headers containing trace context (traceparent, tracestate).
//
// Outputs:
//
//	context.Context - Context with trace information attached. Returns
//	the original context if no trace headers are present.
//
// Example:
//
//	connCtx := telemetry.ExtractContext(context.Background(), c.Request.Header)
//	conn := connection.New(connCtx, ws, info)
//
// Thread Safety: Safe for concurrent use.
func ExtractContext(ctx context.Context, headers http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(headers))
}

// InjectContext injects trace context into outgoing HTTP headers.
//
// Description:
//
//	Uses the globally configured propagator to inject W3C TraceContext
//	and Baggage. Used on outgoing requests to the local agent backend
//	so upstream spans join the connection's trace.
//
// Example:
//
//	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
//	telemetry.InjectContext(ctx, req.Header)
//	resp, err := c.httpClient.Do(req)
//
// Thread Safety: Safe for concurrent use.
func InjectContext(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// ExtractFromRequest extracts trace context from an incoming HTTP
// request.
func ExtractFromRequest(req *http.Request) context.Context {
	return ExtractContext(req.Context(), req.Header)
}

// PropagateToRequest injects trace context into an outgoing HTTP
// request and returns the request bound to ctx.
func PropagateToRequest(ctx context.Context, req *http.Request) *http.Request {
	InjectContext(ctx, req.Header)
	return req.WithContext(ctx)
}
