/*
Package monitoring provides Prometheus metrics for the engine and its HTTP host.

# Overview

Metrics live on a private registry so tests and multiple hosts in one process
do not collide. Tracked:

  - HTTP requests (count, latency) via the gin Middleware
  - gate decisions by outcome
  - script evaluations by outcome, with duration
  - evaluation faults, split by whether a location was attributed
  - GM_* capability calls
  - installs and registered scripts

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	timer := monitoring.NewTimer(metrics)
	// ... evaluate ...
	timer.Stop("success")
*/
package monitoring
