// Package persistence contains helpers shared by store implementations.
package persistence

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"example.com/stepcount/internal/domain"
)

const cursorVersion = "s1"

// ErrInvalidCursor is returned for page tokens this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// EncodeCursor turns the position of the last session on a page into an opaque token.
// A nil cursor encodes to the empty token.
func EncodeCursor(c *domain.Cursor) string {
	if c == nil {
		return ""
	}
	raw := cursorVersion + ":" + strconv.FormatInt(c.StartTime.UnixNano(), 36) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a page token. An empty token yields a nil cursor.
func DecodeCursor(token string) (*domain.Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}

	version, rest, ok := strings.Cut(string(decoded), ":")
	if !ok || version != cursorVersion {
		return nil, fmt.Errorf("%w: unknown version", ErrInvalidCursor)
	}
	stamp, id, ok := strings.Cut(rest, ":")
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: missing session id", ErrInvalidCursor)
	}
	nanos, err := strconv.ParseInt(stamp, 36, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: start time: %w", ErrInvalidCursor, err)
	}
	return &domain.Cursor{StartTime: time.Unix(0, nanos).UTC(), ID: id}, nil
}
