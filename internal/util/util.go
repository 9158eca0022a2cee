package util

import (
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

func NewMessageID() string {
	// ulid.Make is monotonic within the process, so ids created in the same millisecond still sort
	return "msg_" + ulid.Make().String()
}

// NowUTC is truncated to the precision postgres stores so persisted rows compare equal.
func NowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// ParseIDList parses "1,2, 3" into ids, skipping blanks. Any non-numeric entry is an error.
func ParseIDList(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
