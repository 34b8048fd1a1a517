// ABOUTME: chorus.v1.Chat gRPC handlers backed by the chat service
// ABOUTME: Maps chat errors to gRPC status codes and streams conversation fragments to subscribers

package client

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/chorus-gateway/internal/chat"
	"github.com/2389/chorus-gateway/internal/conversation"
	"github.com/2389/chorus-gateway/internal/workflow"
)

// maxRequestIDLen bounds client-supplied idempotency keys.
const maxRequestIDLen = 100

// Backend is the part of *chat.Service the handlers use.
type Backend interface {
	Start(ctx context.Context, req chat.StartRequest) (*chat.TurnHandle, error)
	CancelTurn(messageID string) bool
	Subscribe(conversationID string, cursor conversation.Cursor) *conversation.Subscription
}

// ChatService implements ChatServer.
type ChatService struct {
	backend Backend
	logger  *slog.Logger

	// drained ends every open Subscribe stream
	drained context.Context
	drain   context.CancelFunc
}

// NewChatService creates the gRPC handlers for backend.
func NewChatService(backend Backend, logger *slog.Logger) *ChatService {
	if logger == nil {
		logger = slog.Default()
	}
	drained, drain := context.WithCancel(context.Background())
	return &ChatService{
		backend: backend,
		logger:  logger.With("component", "grpc"),
		drained: drained,
		drain:   drain,
	}
}

// Drain ends open Subscribe streams with Unavailable so that a graceful
// server stop does not wait on them.
func (s *ChatService) Drain() {
	s.drain()
}

var _ ChatServer = (*ChatService)(nil)

// StartTurn starts a turn. A reused request_id answers with the original
// handle and duplicate set rather than an error.
func (s *ChatService) StartTurn(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := decodeStartRequest(in)
	if len(req.RequestID) > maxRequestIDLen {
		return nil, status.Error(codes.InvalidArgument, "request_id too long")
	}

	handle, err := s.backend.Start(ctx, chat.StartRequest{
		ConversationID: req.ConversationID,
		Text:           req.Text,
		Workflow:       req.Workflow,
		RequestID:      req.RequestID,
	})
	if errors.Is(err, chat.ErrDuplicateRequest) {
		s.logger.Debug("duplicate start ignored", "request_id", req.RequestID)
		return encodeStartResponse(StartTurnResponse{Handle: *handle, Duplicate: true}), nil
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeStartResponse(StartTurnResponse{Handle: *handle}), nil
}

// CancelTurn cancels the turn producing message_id.
func (s *ChatService) CancelTurn(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	messageID := str(in, "message_id")
	if messageID == "" {
		return nil, status.Error(codes.InvalidArgument, "message_id required")
	}
	cancelled := s.backend.CancelTurn(messageID)
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"cancelled": structpb.NewBoolValue(cancelled),
	}}, nil
}

// Subscribe replays the conversation after the requested cursor and then
// streams new fragments until the client goes away.
func (s *ChatService) Subscribe(in *structpb.Struct, stream grpc.ServerStream) error {
	conversationID, cursor, err := decodeSubscribeRequest(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if conversationID == "" {
		return status.Error(codes.InvalidArgument, "conversation_id required")
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	stop := context.AfterFunc(s.drained, cancel)
	defer stop()

	logger := s.logger.With("conversation_id", conversationID)
	logger.Debug("subscriber attached", "cursor", cursor.String())

	sub := s.backend.Subscribe(conversationID, cursor)
	sent := 0
	for f, err := range sub.All(ctx) {
		if err != nil {
			if errors.Is(err, conversation.ErrConversationDropped) {
				return status.Error(codes.NotFound, "conversation released")
			}
			return toStatus(err)
		}
		if err := stream.SendMsg(encodeFragment(f)); err != nil {
			logger.Debug("subscriber send failed", "error", err)
			return err
		}
		sent++
	}
	if s.drained.Err() != nil {
		return status.Error(codes.Unavailable, "gateway shutting down")
	}
	logger.Debug("subscriber detached", "sent", sent)
	return nil
}

// toStatus maps service errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, workflow.ErrUnknownWorkflow):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, chat.ErrNoWorkflows), errors.Is(err, workflow.ErrInvalidGraph):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, chat.ErrShuttingDown):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
