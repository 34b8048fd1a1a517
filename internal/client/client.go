// ABOUTME: Dial-side wrapper for chorus.v1.Chat used by the chorus CLI
// ABOUTME: Exposes typed StartTurn/CancelTurn calls and a range-over-func fragment subscription

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/chorus-gateway/internal/conversation"
)

// Client talks to a gateway's chorus.v1.Chat service.
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial connects to target without transport security. The gateway is
// expected to listen on loopback or behind a terminating proxy.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{conn: conn, own: true}, nil
}

// New wraps an existing connection. Close leaves it open.
func New(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close releases the connection if Dial created it.
func (c *Client) Close() error {
	if !c.own {
		return nil
	}
	return c.conn.Close()
}

// StartTurn sends a user message and returns the handle of the reply.
func (c *Client) StartTurn(ctx context.Context, req StartTurnRequest) (StartTurnResponse, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodStartTurn, encodeStartRequest(req), out); err != nil {
		return StartTurnResponse{}, err
	}
	return decodeStartResponse(out), nil
}

// CancelTurn asks the gateway to stop generating messageID.
func (c *Client) CancelTurn(ctx context.Context, messageID string) (bool, error) {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"message_id": structpb.NewStringValue(messageID),
	}}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodCancelTurn, in, out); err != nil {
		return false, err
	}
	return field(out, "cancelled").GetBoolValue(), nil
}

// Subscribe streams fragments of conversationID after cursor. The sequence
// ends when ctx is done or the server closes the stream; any other failure
// is yielded once as the error.
func (c *Client) Subscribe(ctx context.Context, conversationID string, cursor conversation.Cursor) iter.Seq2[conversation.Fragment, error] {
	return func(yield func(conversation.Fragment, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], methodSubscribe)
		if err != nil {
			yield(conversation.Fragment{}, err)
			return
		}
		if err := stream.SendMsg(encodeSubscribeRequest(conversationID, cursor)); err != nil {
			yield(conversation.Fragment{}, err)
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(conversation.Fragment{}, err)
			return
		}

		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					return
				}
				yield(conversation.Fragment{}, err)
				return
			}
			f, err := decodeFragment(msg)
			if !yield(f, err) || err != nil {
				return
			}
		}
	}
}
