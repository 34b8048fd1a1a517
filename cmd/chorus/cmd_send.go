// ABOUTME: Send command: starts a turn over gRPC and streams the assistant reply to stdout
// ABOUTME: A reused --request-id returns the original turn instead of starting another

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/chorus-gateway/internal/client"
	"github.com/2389/chorus-gateway/internal/conversation"
)

// SendCmd submits one user message
type SendCmd struct {
	Text         []string `arg:"" help:"Message text"`
	Conversation string   `short:"c" help:"Conversation to continue (new conversation when empty)"`
	Workflow     string   `short:"w" help:"Workflow to run the turn through"`
	RequestID    string   `help:"Idempotency key for the submission"`
	NoFollow     bool     `help:"Print the turn handle instead of streaming the reply"`
}

func (s *SendCmd) Run(ctx context.Context, cli *CLI) error {
	logger := createCLILogger(cli.LogLevel)

	text := strings.Join(s.Text, " ")
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message text is required")
	}

	c, err := cli.dial()
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.StartTurn(ctx, client.StartTurnRequest{
		ConversationID: s.Conversation,
		Text:           text,
		Workflow:       s.Workflow,
		RequestID:      s.RequestID,
	})
	if err != nil {
		return fmt.Errorf("starting turn: %w", err)
	}
	logger.Debug("turn started",
		"conversation_id", resp.Handle.ConversationID,
		"message_id", resp.Handle.MessageID,
		"duplicate", resp.Duplicate,
	)

	if s.NoFollow {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	color.New(color.FgHiBlack).Fprintf(os.Stderr, "conversation %s\n", resp.Handle.ConversationID)

	for f, err := range c.Subscribe(ctx, resp.Handle.ConversationID, conversation.Cursor{}) {
		if err != nil {
			return fmt.Errorf("streaming reply: %w", err)
		}
		if f.MessageID != resp.Handle.MessageID {
			continue
		}
		fmt.Print(f.Text)
		if f.IsFinal {
			fmt.Println()
			return nil
		}
	}
	return ctx.Err()
}
