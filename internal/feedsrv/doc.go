// Package feedsrv exposes the feed bus over WebSocket and HTTP.
//
// Endpoints:
//
//	GET /health        liveness and bus stats
//	GET /v1/search     symbol search against a broker backend
//	WS  /v1/feed       open a quote stream (see package feedrpc)
//	WS  /v1/index      per-period sample step notifications
package feedsrv
