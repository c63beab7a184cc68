// Package httpmw holds the middleware for docview's public listener.
//
// httpserver.NewHandler composes them outermost first: recover, security
// headers, request ID, client IP, tracing, trace response headers,
// metrics, logger injection, access log, no-store, then the chi router.
// Rate limiting is applied per route by the viewer API.
//
// Share tokens must never reach logs or span attributes. Query values
// under the logger's redact keys are masked before they are recorded,
// and request bodies are never logged.
package httpmw
