// ABOUTME: Fragment and cursor types for the per-conversation append-only log
// ABOUTME: Cursors serialize as "<message_id>/<fragment_id>" for SSE Last-Event-ID resumption

package conversation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Role identifies who authored a message. It is an open set; the gateway
// itself only produces RoleUser and RoleAssistant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Fragment is one append-only delta of a message within a conversation.
type Fragment struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Role           Role      `json:"role"`
	Text           string    `json:"text"`
	FragmentID     int64     `json:"fragment_id"`
	IsFinal        bool      `json:"is_final"`
	CreatedAt      time.Time `json:"created_at"`
}

// Cursor marks a resume position. The zero value means "from the beginning".
type Cursor struct {
	MessageID  string
	FragmentID int64
}

// ErrInvalidCursor is returned by ParseCursor for malformed input.
var ErrInvalidCursor = errors.New("invalid cursor")

// IsZero reports whether the cursor carries no position.
func (c Cursor) IsZero() bool {
	return c.MessageID == "" && c.FragmentID == 0
}

// String renders the cursor in the form accepted by ParseCursor.
func (c Cursor) String() string {
	if c.IsZero() {
		return ""
	}
	if c.FragmentID == 0 {
		return c.MessageID
	}
	return c.MessageID + "/" + strconv.FormatInt(c.FragmentID, 10)
}

// CursorOf returns the cursor positioned just after f.
func CursorOf(f Fragment) Cursor {
	return Cursor{MessageID: f.MessageID, FragmentID: f.FragmentID}
}

// ParseCursor parses "<message_id>" or "<message_id>/<fragment_id>".
// An empty string yields the zero cursor.
func ParseCursor(s string) (Cursor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Cursor{}, nil
	}
	msg, frag, found := strings.Cut(s, "/")
	if msg == "" {
		return Cursor{}, fmt.Errorf("%w: missing message id in %q", ErrInvalidCursor, s)
	}
	if !found {
		return Cursor{MessageID: msg}, nil
	}
	id, err := strconv.ParseInt(frag, 10, 64)
	if err != nil || id < 0 {
		return Cursor{}, fmt.Errorf("%w: bad fragment id in %q", ErrInvalidCursor, s)
	}
	return Cursor{MessageID: msg, FragmentID: id}, nil
}
