// Package workflow routes a message across several agents.
//
// A workflow is either sequential, where each step's output becomes the next
// step's input and only the last step streams, or handoff, where an entry
// agent transfers control along the graph's edges with transfer_to_agent.
// Handoff graphs are closed: a transfer along an edge the graph does not
// contain fails the turn instead of being followed.
//
// Agents with outgoing edges are buffered until their stream ends, so a
// router's own words never reach the client when it hands off. Terminal agents
// stream straight through.
package workflow
