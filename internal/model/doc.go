// Package model defines the streaming generation primitive that agents run on.
//
// A Generator turns a Request into a Streamer; Recv yields text, tool-call
// and usage chunks and returns io.EOF at the end. Providers live in
// subpackages (openai, anthropic, scripted). Decorators compose:
//
//	gen := model.NewRateLimited(provider, cfg.RequestsPerSecond, 1)
//	gen = model.NewToolLoop(gen, toolRegistry, logger, tools.TransferToolName)
package model
