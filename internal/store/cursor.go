// ABOUTME: Opaque pagination cursors for history reads
// ABOUTME: Encodes the last returned insert position and message id

package store

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// encodeCursor creates an opaque cursor string from a sequence and message ID.
// Format is base64(seq|message_id)
func encodeCursor(seq int64, id string) string {
	data := fmt.Sprintf("%d|%s", seq, id)
	return base64.URLEncoding.EncodeToString([]byte(data))
}

// decodeCursor parses an opaque cursor string back into its sequence.
func decodeCursor(cursor string) (int64, error) {
	decoded, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: bad encoding", ErrInvalidCursor)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: expected seq|message_id", ErrInvalidCursor)
	}

	seq, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%w: bad sequence", ErrInvalidCursor)
	}
	return seq, nil
}

// buildPage trims an over-fetched result (limit+1 rows) into a page.
func buildPage(msgs []*Message, limit int) *MessagePage {
	page := &MessagePage{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		page.HasMore = true
		last := page.Messages[len(page.Messages)-1]
		page.NextCursor = encodeCursor(last.Seq, last.ID)
	}
	if page.Messages == nil {
		page.Messages = []*Message{}
	}
	return page
}
