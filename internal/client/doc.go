// Package client implements the chorus.v1.Chat gRPC service and its
// dial-side client.
//
// # Overview
//
// The service is served by the gateway next to the HTTP API. Despite the
// name, most of this package is server code; "client" refers to the chat
// clients (the chorus CLI, bots, other services) that connect to it.
//
// # Wire Format
//
// There is no generated code. Every request and response is a
// google.protobuf.Struct and ServiceDesc is written by hand:
//
//   - StartTurn: {conversation_id, text, workflow, request_id} returns
//     {conversation_id, user_message_id, message_id, workflow, duplicate}
//   - CancelTurn: {message_id} returns {cancelled}
//   - Subscribe: {conversation_id, after_message, after_fragment} streams
//     fragments {conversation_id, message_id, role, text, fragment_id,
//     is_final, created_at}
//
// created_at is RFC 3339 with nanoseconds. fragment_id travels as a number.
//
// # Errors
//
//   - InvalidArgument: blank text, request_id longer than 100 bytes, bad cursor
//   - NotFound: unknown workflow, or the conversation was released while subscribed
//   - FailedPrecondition: workflows not configured
//   - Unavailable: the gateway is shutting down
//
// A reused request_id is not an error: StartTurn returns the original
// handle with duplicate set.
package client
