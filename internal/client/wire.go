// ABOUTME: Hand-written chorus.v1.Chat service descriptor and its google.protobuf.Struct messages
// ABOUTME: Converts turn handles, cursors and fragments to and from structpb without generated code

package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/chorus-gateway/internal/chat"
	"github.com/2389/chorus-gateway/internal/conversation"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chorus.v1.Chat"

const (
	methodStartTurn  = "/" + ServiceName + "/StartTurn"
	methodCancelTurn = "/" + ServiceName + "/CancelTurn"
	methodSubscribe  = "/" + ServiceName + "/Subscribe"
)

// ChatServer is the server side of chorus.v1.Chat. Every message is a
// google.protobuf.Struct.
type ChatServer interface {
	StartTurn(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelTurn(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Subscribe(*structpb.Struct, grpc.ServerStream) error
}

// ServiceDesc describes chorus.v1.Chat for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartTurn", Handler: startTurnHandler},
		{MethodName: "CancelTurn", Handler: cancelTurnHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "chorus/v1/chat.proto",
}

// Register installs srv on s.
func Register(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func startTurnHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChatServer).StartTurn(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStartTurn}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ChatServer).StartTurn(ctx, req.(*structpb.Struct))
	})
}

func cancelTurnHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChatServer).CancelTurn(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCancelTurn}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ChatServer).CancelTurn(ctx, req.(*structpb.Struct))
	})
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatServer).Subscribe(in, stream)
}

// StartTurnRequest is the StartTurn request.
type StartTurnRequest struct {
	ConversationID string
	Text           string
	Workflow       string
	RequestID      string
}

// StartTurnResponse is the StartTurn response. Duplicate is set when the
// request id was already used; the handle is then the original turn's.
type StartTurnResponse struct {
	Handle    chat.TurnHandle `json:"handle"`
	Duplicate bool            `json:"duplicate"`
}

func field(s *structpb.Struct, name string) *structpb.Value {
	return s.GetFields()[name]
}

func str(s *structpb.Struct, name string) string {
	return field(s, name).GetStringValue()
}

func encodeStartRequest(r StartTurnRequest) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"conversation_id": structpb.NewStringValue(r.ConversationID),
		"text":            structpb.NewStringValue(r.Text),
		"workflow":        structpb.NewStringValue(r.Workflow),
		"request_id":      structpb.NewStringValue(r.RequestID),
	}}
}

func decodeStartRequest(s *structpb.Struct) StartTurnRequest {
	return StartTurnRequest{
		ConversationID: str(s, "conversation_id"),
		Text:           str(s, "text"),
		Workflow:       str(s, "workflow"),
		RequestID:      str(s, "request_id"),
	}
}

func encodeStartResponse(r StartTurnResponse) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"conversation_id": structpb.NewStringValue(r.Handle.ConversationID),
		"user_message_id": structpb.NewStringValue(r.Handle.UserMessageID),
		"message_id":      structpb.NewStringValue(r.Handle.MessageID),
		"workflow":        structpb.NewStringValue(r.Handle.Workflow),
		"duplicate":       structpb.NewBoolValue(r.Duplicate),
	}}
}

func decodeStartResponse(s *structpb.Struct) StartTurnResponse {
	return StartTurnResponse{
		Handle: chat.TurnHandle{
			ConversationID: str(s, "conversation_id"),
			UserMessageID:  str(s, "user_message_id"),
			MessageID:      str(s, "message_id"),
			Workflow:       str(s, "workflow"),
		},
		Duplicate: field(s, "duplicate").GetBoolValue(),
	}
}

func encodeSubscribeRequest(conversationID string, c conversation.Cursor) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"conversation_id": structpb.NewStringValue(conversationID),
		"after_message":   structpb.NewStringValue(c.MessageID),
		"after_fragment":  structpb.NewNumberValue(float64(c.FragmentID)),
	}}
}

func decodeSubscribeRequest(s *structpb.Struct) (string, conversation.Cursor, error) {
	c := conversation.Cursor{
		MessageID:  str(s, "after_message"),
		FragmentID: int64(field(s, "after_fragment").GetNumberValue()),
	}
	if c.FragmentID < 0 {
		return "", conversation.Cursor{}, fmt.Errorf("%w: negative fragment id", conversation.ErrInvalidCursor)
	}
	return str(s, "conversation_id"), c, nil
}

func encodeFragment(f conversation.Fragment) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"conversation_id": structpb.NewStringValue(f.ConversationID),
		"message_id":      structpb.NewStringValue(f.MessageID),
		"role":            structpb.NewStringValue(string(f.Role)),
		"text":            structpb.NewStringValue(f.Text),
		"fragment_id":     structpb.NewNumberValue(float64(f.FragmentID)),
		"is_final":        structpb.NewBoolValue(f.IsFinal),
		"created_at":      structpb.NewStringValue(f.CreatedAt.UTC().Format(time.RFC3339Nano)),
	}}
}

func decodeFragment(s *structpb.Struct) (conversation.Fragment, error) {
	f := conversation.Fragment{
		ConversationID: str(s, "conversation_id"),
		MessageID:      str(s, "message_id"),
		Role:           conversation.Role(str(s, "role")),
		Text:           str(s, "text"),
		FragmentID:     int64(field(s, "fragment_id").GetNumberValue()),
		IsFinal:        field(s, "is_final").GetBoolValue(),
	}
	if raw := str(s, "created_at"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return conversation.Fragment{}, fmt.Errorf("fragment %d created_at: %w", f.FragmentID, err)
		}
		f.CreatedAt = t
	}
	return f, nil
}
