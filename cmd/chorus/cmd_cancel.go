// ABOUTME: Cancel command: stops a running turn by its assistant message id
// ABOUTME: Reports whether the gateway still had the turn running

package main

import (
	"context"
	"fmt"
)

// CancelCmd stops a running turn
type CancelCmd struct {
	MessageID string `arg:"" help:"Assistant message ID of the turn"`
}

func (c *CancelCmd) Run(ctx context.Context, cli *CLI) error {
	conn, err := cli.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	cancelled, err := conn.CancelTurn(ctx, c.MessageID)
	if err != nil {
		return fmt.Errorf("cancelling turn: %w", err)
	}
	if cancelled {
		fmt.Println("cancelled")
	} else {
		fmt.Println("not running")
	}
	return nil
}
