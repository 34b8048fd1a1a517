// ABOUTME: Entry point for the chorus command-line client
// ABOUTME: Sends messages, tails conversations and cancels turns against a running chorus-gateway

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/2389/chorus-gateway/internal/client"
)

// CLI represents the main CLI structure
type CLI struct {
	Addr     string `default:"127.0.0.1:50051" env:"CHORUS_ADDR" help:"Gateway gRPC address"`
	LogLevel string `default:"warn" help:"Log level"`

	Send   SendCmd   `cmd:"" help:"Send a message and stream the reply"`
	Tail   TailCmd   `cmd:"" help:"Follow a conversation"`
	Cancel CancelCmd `cmd:"" help:"Cancel a running turn"`
}

// dial connects to the gateway named by --addr.
func (c *CLI) dial() (*client.Client, error) {
	conn, err := client.Dial(c.Addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.Addr, err)
	}
	return conn, nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("chorus"),
		kong.Description("Command-line client for chorus-gateway"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	kctx.BindTo(ctx, (*context.Context)(nil))

	err := kctx.Run(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
