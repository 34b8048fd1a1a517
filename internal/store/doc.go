// Package store archives finished conversation turns in SQLite.
//
// The archive is history, not a replay log: live fragment streaming happens in
// memory and a turn reaches the store only once it has reached an outcome
// (completed, cancelled or failed). Losing the archive never affects readers
// attached to a live conversation.
//
// # Data Models
//
//   - Conversation: id, optional workflow name, created/updated timestamps
//   - Turn: one user message or one assistant reply with its outcome, the
//     agents that produced it and token usage
//
// # SQLite Configuration
//
// The store uses modernc.org/sqlite (pure Go) with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC strings so they sort lexically.
// New columns are added by runMigrations when an older database is opened.
//
// # Testing
//
// MockStore implements TranscriptStore in memory and can be told to fail
// saves, which is how the chat package exercises best-effort archiving.
package store
