// ABOUTME: Tail command: follows a conversation from the gateway or its Redis fan-out stream
// ABOUTME: Prints one line per message with time, role and the concatenated fragment text

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/2389/chorus-gateway/internal/conversation"
	"github.com/2389/chorus-gateway/internal/fanout"
)

// TailCmd follows a conversation from the gateway or from its Redis mirror
type TailCmd struct {
	Conversation string `arg:"" help:"Conversation ID"`
	After        string `help:"Resume after this cursor (<message_id>/<fragment_id>, or a stream id with --redis)"`

	Redis         string `help:"Read the Redis fan-out mirror at this address instead of the gateway"`
	RedisPassword string `env:"CHORUS_REDIS_PASSWORD" help:"Redis password"`
	RedisDB       int    `help:"Redis database"`
}

func (t *TailCmd) Run(ctx context.Context, cli *CLI) error {
	if t.Redis != "" {
		return t.tailRedis(ctx, cli)
	}

	cursor, err := conversation.ParseCursor(t.After)
	if err != nil {
		return err
	}

	c, err := cli.dial()
	if err != nil {
		return err
	}
	defer c.Close()

	p := newFragmentPrinter()
	for f, err := range c.Subscribe(ctx, t.Conversation, cursor) {
		if err != nil {
			return fmt.Errorf("subscribing: %w", err)
		}
		p.print(f)
	}
	return nil
}

func (t *TailCmd) tailRedis(ctx context.Context, cli *CLI) error {
	logger := createCLILogger(cli.LogLevel)

	rdb, err := fanout.Dial(ctx, t.Redis, t.RedisPassword, t.RedisDB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	mirror := fanout.NewRedisMirror(rdb, fanout.Options{Logger: logger})
	p := newFragmentPrinter()
	for entry, err := range mirror.Tail(ctx, t.Conversation, t.After) {
		if errors.Is(err, fanout.ErrMalformedEntry) {
			continue
		}
		if err != nil {
			return err
		}
		p.print(entry.Fragment)
	}
	return nil
}

// fragmentPrinter renders a fragment stream as one line per message.
type fragmentPrinter struct {
	current string
	label   *color.Color
	user    *color.Color
}

func newFragmentPrinter() *fragmentPrinter {
	return &fragmentPrinter{
		label: color.New(color.FgHiBlack),
		user:  color.New(color.FgGreen),
	}
}

func (p *fragmentPrinter) print(f conversation.Fragment) {
	if f.MessageID != p.current {
		if p.current != "" {
			fmt.Println()
		}
		p.current = f.MessageID
		p.label.Fprintf(os.Stdout, "%s %-9s ", f.CreatedAt.Local().Format(time.TimeOnly), f.Role)
	}
	if f.Role == conversation.RoleUser {
		p.user.Print(f.Text)
	} else {
		fmt.Print(f.Text)
	}
	if f.IsFinal {
		fmt.Println()
		p.current = ""
	}
}
