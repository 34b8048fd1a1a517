// Package conversation holds the live, in-memory fragment logs that replies
// are streamed through.
//
// # Overview
//
// Every conversation owns one append-only log. Producers (user input and the
// generation goroutines) append fragments; any number of readers subscribe
// and pull fragments at their own pace:
//
//	store := conversation.NewStore(logger)
//	f, _ := store.Publish(convID, conversation.Fragment{MessageID: msgID, Text: "Hel"})
//	sub := store.Subscribe(convID, conversation.Cursor{})
//	for f, err := range sub.All(ctx) { ... }
//
// # Ordering
//
// The log assigns FragmentID = previous+1 under its lock, so ids are strictly
// increasing per conversation and every subscriber sees the same total order,
// including when several replies stream into one conversation at once.
//
// # Cursors
//
// A Cursor selects where a subscription starts:
//
//   - zero value: the whole log, then live fragments
//   - MessageID only: fragments of messages created after that message
//   - MessageID and FragmentID: every fragment with a larger FragmentID
//
// A cursor the log cannot resolve (unknown message, fragment past the end)
// replays from the start; clients dedupe by FragmentID.
//
// # Wake-up
//
// Blocked readers wait on a channel that each append closes and replaces, so
// a slow reader never delays a producer and no fragment is dropped.
package conversation
