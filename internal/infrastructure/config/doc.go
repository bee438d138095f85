// Package config provides 12-factor configuration management for the
// webmonkey host.
//
// Configuration is loaded from environment variables with defaults, and an
// optional TOML file can be layered on top with LoadFile.
//
// Configuration Sections:
//   - Server: HTTP server settings (port, host)
//   - Logging: Log level and output format
//   - Engine: Scripts directory, value storage, sandbox limits
//   - Network: GM_xmlhttpRequest timeouts, retries and throttling
//   - RateLimit: Per-IP rate limiting of the HTTP API
//
// Example Usage:
//
//	cfg, err := config.LoadFile("webmonkey.toml")
//	if err != nil {
//		return err
//	}
//	fmt.Printf("Server running on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - PORT, HOST
//   - LOG_LEVEL, LOG_DEV
//   - SCRIPTS_DIR, STORAGE_DIR, TEMP_DIR, ENGINE_ENABLED, SCRIPT_TIMEOUT,
//     MAX_CALL_STACK, CAPTURE_CONSOLE, ERROR_HISTORY
//   - XHR_TIMEOUT, XHR_RETRY_MAX, XHR_RPS, XHR_BURST, XHR_USER_AGENT
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
package config
