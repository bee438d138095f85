// Package main is the webmonkey host server.
//
// It loads the installed user scripts and serves the engine over HTTP:
// resource-load policy decisions, document-ready injection, the install
// flow, script menu commands and the error console.
//
// Configuration:
//   - Environment variables (12-factor)
//   - Optional TOML file via -config
//   - CLI flags (override both)
//
// Usage:
//
//	./server -config webmonkey.toml -port 8000
//
//	# Development mode (colored logs, debug level)
//	./server -dev -scripts ./scripts
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
