// ABOUTME: Tests for the chorus.v1.Chat service over an in-memory gRPC connection
// ABOUTME: Runs a real chat service with the scripted model behind bufconn

package client

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/chorus-gateway/internal/agents"
	"github.com/2389/chorus-gateway/internal/chat"
	"github.com/2389/chorus-gateway/internal/conversation"
	"github.com/2389/chorus-gateway/internal/model"
	"github.com/2389/chorus-gateway/internal/model/scripted"
	"github.com/2389/chorus-gateway/internal/store"
	"github.com/2389/chorus-gateway/internal/tools"
	"github.com/2389/chorus-gateway/internal/workflow"
)

func startServer(t *testing.T, g model.Generator) (*Client, *chat.Service, *ChatService) {
	t.Helper()

	runner := agents.NewRunner(agents.NewDefaultRegistry(nil), g, tools.NewDefaultRegistry(), agents.RunnerOptions{})
	orch := workflow.NewOrchestrator(runner, workflow.Options{})
	for _, w := range workflow.DefaultWorkflows() {
		require.NoError(t, orch.Define(w))
	}
	svc := chat.New(chat.Deps{
		Fragments:   conversation.NewStore(nil),
		Runner:      runner,
		Workflows:   orch,
		Transcripts: store.NewMockStore(),
	}, chat.Options{})

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	handlers := NewChatService(svc, nil)
	Register(srv, handlers)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		srv.Stop()
	})
	return New(conn), svc, handlers
}

// collect reads one message of conversationID up to its final fragment.
func collect(t *testing.T, c *Client, conversationID, messageID string, cursor conversation.Cursor) []conversation.Fragment {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	var out []conversation.Fragment
	for f, err := range c.Subscribe(ctx, conversationID, cursor) {
		require.NoError(t, err)
		if f.MessageID != messageID {
			continue
		}
		out = append(out, f)
		if f.IsFinal {
			break
		}
	}
	return out
}

func joined(frags []conversation.Fragment) string {
	var b strings.Builder
	for _, f := range frags {
		b.WriteString(f.Text)
	}
	return b.String()
}

func TestStartTurn_StreamsReply(t *testing.T) {
	c, _, _ := startServer(t, scripted.Echo(0))

	resp, err := c.StartTurn(t.Context(), StartTurnRequest{Text: "hello there"})
	require.NoError(t, err)
	assert.False(t, resp.Duplicate)
	require.NotEmpty(t, resp.Handle.ConversationID)
	require.NotEmpty(t, resp.Handle.MessageID)
	require.NotEmpty(t, resp.Handle.UserMessageID)

	frags := collect(t, c, resp.Handle.ConversationID, resp.Handle.MessageID, conversation.Cursor{})
	require.NotEmpty(t, frags)
	assert.Equal(t, chat.DefaultPlaceholderText, frags[0].Text)
	assert.Equal(t, chat.DefaultPlaceholderText+"hello there", joined(frags))

	last := frags[len(frags)-1]
	assert.True(t, last.IsFinal)
	assert.Empty(t, last.Text)
	assert.Equal(t, conversation.RoleAssistant, last.Role)
	assert.False(t, last.CreatedAt.IsZero())

	for i := 1; i < len(frags); i++ {
		assert.Greater(t, frags[i].FragmentID, frags[i-1].FragmentID)
	}
}

func TestSubscribe_ResumesAfterCursor(t *testing.T) {
	c, _, _ := startServer(t, scripted.Echo(0))

	resp, err := c.StartTurn(t.Context(), StartTurnRequest{Text: "alpha beta"})
	require.NoError(t, err)
	all := collect(t, c, resp.Handle.ConversationID, resp.Handle.MessageID, conversation.Cursor{})
	require.GreaterOrEqual(t, len(all), 2)

	after := collect(t, c, resp.Handle.ConversationID, resp.Handle.MessageID, conversation.CursorOf(all[0]))
	assert.Equal(t, all[1:], after)
}

func TestStartTurn_Workflow(t *testing.T) {
	c, _, _ := startServer(t, scripted.Echo(0))

	resp, err := c.StartTurn(t.Context(), StartTurnRequest{Text: "bonjour", Workflow: "triage"})
	require.NoError(t, err)
	assert.Equal(t, "triage", resp.Handle.Workflow)

	frags := collect(t, c, resp.Handle.ConversationID, resp.Handle.MessageID, conversation.Cursor{})
	assert.Contains(t, joined(frags), "bonjour")
}

func TestStartTurn_DuplicateRequest(t *testing.T) {
	c, _, _ := startServer(t, scripted.Echo(0))
	req := StartTurnRequest{ConversationID: "conv-1", Text: "once", RequestID: "req-1"}

	first, err := c.StartTurn(t.Context(), req)
	require.NoError(t, err)
	second, err := c.StartTurn(t.Context(), req)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Handle, second.Handle)
}

func TestStartTurn_Errors(t *testing.T) {
	c, _, _ := startServer(t, scripted.Echo(0))

	tests := []struct {
		name string
		req  StartTurnRequest
		code codes.Code
	}{
		{"blank text", StartTurnRequest{Text: "   "}, codes.InvalidArgument},
		{"request id too long", StartTurnRequest{Text: "hi", RequestID: strings.Repeat("x", 101)}, codes.InvalidArgument},
		{"unknown workflow", StartTurnRequest{Text: "hi", Workflow: "nope"}, codes.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.StartTurn(t.Context(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestStartTurn_ShuttingDown(t *testing.T) {
	c, svc, _ := startServer(t, scripted.Echo(0))
	require.NoError(t, svc.Shutdown(t.Context()))

	_, err := c.StartTurn(t.Context(), StartTurnRequest{Text: "hi"})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestCancelTurn(t *testing.T) {
	g := scripted.New(scripted.Rule{Contains: "wait", Reply: "partial", Stall: true})
	c, _, _ := startServer(t, g)

	resp, err := c.StartTurn(t.Context(), StartTurnRequest{Text: "please wait"})
	require.NoError(t, err)

	ok, err := c.CancelTurn(t.Context(), resp.Handle.MessageID)
	require.NoError(t, err)
	assert.True(t, ok)

	frags := collect(t, c, resp.Handle.ConversationID, resp.Handle.MessageID, conversation.Cursor{})
	require.NotEmpty(t, frags)
	assert.True(t, frags[len(frags)-1].IsFinal)

	ok, err = c.CancelTurn(t.Context(), resp.Handle.MessageID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelTurn_MissingID(t *testing.T) {
	c, _, _ := startServer(t, scripted.Echo(0))

	_, err := c.CancelTurn(t.Context(), "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSubscribe_RequiresConversation(t *testing.T) {
	c, _, _ := startServer(t, scripted.Echo(0))

	var got error
	for _, err := range c.Subscribe(t.Context(), "", conversation.Cursor{}) {
		got = err
		break
	}
	assert.Equal(t, codes.InvalidArgument, status.Code(got))
}

func TestSubscribe_EndsWithContext(t *testing.T) {
	c, _, _ := startServer(t, scripted.Echo(0))

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	n := 0
	for _, err := range c.Subscribe(ctx, "quiet", conversation.Cursor{}) {
		require.NoError(t, err)
		n++
	}
	assert.Zero(t, n)
}

func TestSubscribe_Drain(t *testing.T) {
	c, _, handlers := startServer(t, scripted.Echo(0))

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	resp, err := c.StartTurn(ctx, StartTurnRequest{Text: "hi"})
	require.NoError(t, err)

	var got error
	for f, err := range c.Subscribe(ctx, resp.Handle.ConversationID, conversation.Cursor{}) {
		if err != nil {
			got = err
			break
		}
		if f.MessageID == resp.Handle.MessageID && f.IsFinal {
			handlers.Drain()
		}
	}
	assert.Equal(t, codes.Unavailable, status.Code(got))
}
