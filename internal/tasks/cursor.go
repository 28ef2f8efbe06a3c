package tasks

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EncodeCursor packs a (created_at, task_id) tuple into the opaque
// cursor string handed back to list callers.
func EncodeCursor(createdAt time.Time, taskID string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixNano(), taskID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor reverses EncodeCursor, rejecting anything that doesn't
// round-trip as a (created_at, task_id) tuple.
func DecodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("tasks: invalid cursor encoding: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("tasks: invalid cursor shape")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("tasks: invalid cursor timestamp: %w", err)
	}
	if parts[1] == "" {
		return time.Time{}, "", fmt.Errorf("tasks: invalid cursor task id")
	}
	return time.Unix(0, nanos).UTC(), parts[1], nil
}
