// Package gateway orchestrates the coven-chat server components.
//
// # Overview
//
// The gateway owns the data store, the real-time fan-out, the presence
// signaler and the conversation service, and serves them over HTTP, WebSocket
// and gRPC.
//
// # HTTP API
//
// Every /api route and /ws require a bearer token (or ?token= on /ws):
//
//   - GET /health - Liveness check (unauthenticated)
//   - GET /api/me - Caller's profile
//   - GET /api/users/search?q= - Directory search
//   - GET /api/conversations?page=&limit= - Conversation list
//   - POST /api/conversations - Find or create a conversation
//   - GET /api/conversations/{id}/messages - Message history
//   - POST /api/messages - Send a message
//   - POST /api/conversations/{id}/read - Mark messages read
//   - DELETE /api/messages/{id} - Hide a message for the caller
//   - POST /api/conversations/{id}/archive - Archive for the caller
//   - PATCH /api/conversations/{id}/settings - Mute, block, archive flags
//   - GET /api/unread - Total unread count
//   - GET /ws - WebSocket upgrade
//
// Errors are returned as JSON:
//
//	{"error": "message content is empty", "code": "INVALID_CONTENT"}
//
// # WebSocket
//
// A session subscribes to the caller's mailbox topic on connect and to room
// topics on joinRoom. Client frames are {event, data, requestId}; server
// frames are realtime events {id, event, conversationId, timestamp, data}.
// Failed client events are answered with an error event carrying the
// requestId.
//
// # Event Fan-out
//
// Events are published through a Fanout of the local Broadcaster, an optional
// Redis relay for multi-instance deployments, and an optional Kafka exporter.
//
// # gRPC
//
// When server.grpc_addr is set the standard grpc.health.v1 service is served
// there for load balancers and orchestrators.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
package gateway
