// Package api implements the admin HTTP API and WebSocket event stream of
// placesd.
//
// This package provides:
//   - Broker inspection (live brokers in the registry)
//   - On-demand sync and last sync status
//   - Recent history reads over read-only connections and visit recording
//     through the broker's write connection
//   - JWT authentication for configured operators, with role permissions
//   - WebSocket hub broadcasting sync results
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Connections
//
// Every history request checks a connection out of the broker and returns
// it with CloseConnection before responding. A request that needs the
// write connection while another holder has it gets 409 Conflict; requests
// never wait for it.
//
// # Security
//
// Tokens come from POST /api/v1/auth/token. WebSocket connections use
// single-use tickets from POST /api/v1/auth/ws-ticket so the access token
// never appears in a URL.
//
// The server follows the same lifecycle pattern as other components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
