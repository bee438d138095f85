// Package ws streams the host's console over WebSocket.
//
// Each connection receives a "system" greeting and then one message per
// console event as it happens:
//
//	{"type":"error","error":{"id":"err_...","message":"...","file_url":"...","line":6}}
//	{"type":"log","message":{"script":"http://example.com/Greeter","text":"hello"}}
//
// Clients may send {"type":"ping"} and receive {"type":"pong"}.
//
//	handler := ws.NewHandler(host, logger)
//	router.GET("/v1/events", handler.HandleConnection)
package ws
