// Package httpapi exposes the operator surface: health and status payloads
// built from the connection manager and router, a manual reconnect that
// re-enables a tripped circuit, and Prometheus metrics.
package httpapi
