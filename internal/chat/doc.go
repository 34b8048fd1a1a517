// ABOUTME: Package chat runs assistant turns on top of the conversation fragment log
// ABOUTME: See Service for the turn lifecycle

// Package chat turns user messages into streamed assistant replies.
//
// Start publishes the user's message and a placeholder for the reply, then
// generates the reply in a background goroutine, one fragment per text
// chunk. Every turn ends with exactly one final fragment, whether it
// completed, was cancelled (explicitly, by stalling, or by Shutdown) or
// failed. Failed turns publish an apology before the final fragment.
//
// Turns are answered by a single agent or by a named workflow. Finished
// turns are archived through store.TranscriptStore when one is configured.
package chat
