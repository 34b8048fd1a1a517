// Package retention provides a TTL and size-bounded keyed cache used to
// expire idle conversation logs and to remember request idempotency keys.
package retention
