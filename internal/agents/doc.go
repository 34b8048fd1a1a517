// Package agents defines the specialized agents the gateway can run.
//
// A Definition is a named set of instructions plus the tools the agent may use
// and the agents it may hand off to. The Registry validates and stores
// definitions; DefaultCatalog seeds it with router, language, summarizer,
// sentiment and answer. A Runner turns a definition and a message history into
// a model.Streamer whose chunks are tagged with the agent name. Handoffs are
// expressed as a transfer_to_agent tool call, which the runner surfaces to the
// caller rather than executing.
package agents
