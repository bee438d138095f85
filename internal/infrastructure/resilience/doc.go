/*
Package resilience provides the circuit breakers guarding outbound script
requests.

A Group keeps one Breaker per remote host, so a host that keeps failing is
cut off for scripts without affecting requests to other hosts.

	group := resilience.NewGroup(resilience.Settings{
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool { return c.ConsecutiveFailures >= 5 },
	})

	err := group.For(host).Do(func() error {
		return send(req)
	})

States move Closed -> Open after ReadyToTrip, Open -> Half-Open once Timeout
elapses, and Half-Open -> Closed after MaxRequests consecutive successes. Any
failure while Half-Open reopens the breaker.
*/
package resilience
