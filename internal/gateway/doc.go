// Package gateway orchestrates the chorus-gateway server components.
//
// # Overview
//
// The gateway owns the chat service and everything it is assembled from:
// the model provider, the agent catalog, the workflow orchestrator, the
// in-memory conversation logs, the SQLite transcript archive and the
// optional Redis fan-out mirror. It serves chorus.v1.Chat over gRPC and a
// JSON/SSE API over HTTP.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil { ... }
//	err = gw.Run(ctx) // blocks until ctx is cancelled
//
// Shutdown runs once, in this order: running turns are cancelled and
// finalized, open SSE and Subscribe streams are ended, both servers stop,
// then the archive and Redis connections close.
//
// Assemble builds a gateway around caller-provided components and is what
// tests use to inject a scripted model and an in-memory archive.
//
// # HTTP API
//
//	GET  /health                           liveness, always 200
//	GET  /health/ready                     200 until shutdown starts, then 503
//	GET  /api/conversations                archived conversations, ?limit=N
//	POST /api/conversations                {workflow?} -> 201 {conversation_id}
//	POST /api/conversations/{id}/messages  {text, workflow?, request_id?} -> 202 handle
//	GET  /api/conversations/{id}/stream    SSE fragment stream
//	GET  /api/conversations/{id}/history   archived turns, ?limit=N
//	POST /api/messages/{id}/cancel         {cancelled}
//	GET  /api/workflows                    workflow catalog
//	GET  /api/workflows/{name}             one workflow and its graph
//	GET  /api/agents                       agent catalog
//
// A reused request_id (or Idempotency-Key header) answers 200 with the
// original handle and "duplicate": true. Messages to a conversation created
// with a workflow run that workflow unless the request names another.
//
// # SSE Stream
//
// Every fragment is sent as
//
//	id: <message_id>/<fragment_id>
//	event: fragment
//	data: {"conversation_id": ..., "message_id": ..., "text": ..., "is_final": ...}
//
// Reconnecting clients send the last id as Last-Event-ID (or ?after=) and
// resume after it. Idle streams receive a ": heartbeat" comment every
// server.sse_heartbeat. When the conversation is released from memory the
// stream ends with a "released" event.
package gateway
