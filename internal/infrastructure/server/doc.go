// Package server hosts the engine behind gin: CORS, per-IP rate limiting,
// request metrics, the /v1 JSON API and a Prometheus /metrics endpoint.
package server
