package session

import (
	"fmt"
	"time"

	"roomrelay/internal/app/protocol"
)

const (
	SingleTick = "✓"
	DoubleTick = "✓✓"

	timestampLayout = "3:04 PM"
)

// Tick maps a status to its indicator: one tick until read, two once read, none when
// the status is unknown or missing.
func Tick(status protocol.Status) string {
	switch status {
	case protocol.StatusSending, protocol.StatusSent, protocol.StatusDelivered:
		return SingleTick
	case protocol.StatusRead:
		return DoubleTick
	default:
		return ""
	}
}

// FormatTimestamp renders epoch milliseconds as a clock time in loc. A nil loc means local time.
func FormatTimestamp(ms int64, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return time.UnixMilli(ms).In(loc).Format(timestampLayout)
}

// FormatEntry renders one transcript line. Ticks are shown only on localUser's messages.
func FormatEntry(e Entry, localUser string, loc *time.Location) string {
	stamp := FormatTimestamp(e.Timestamp, loc)

	if e.User == protocol.SystemUser {
		return fmt.Sprintf("[%s] * %s", stamp, e.Text)
	}

	line := fmt.Sprintf("[%s] %s: %s", stamp, e.User, e.Text)

	if isSameUser(e.User, localUser) {
		if tick := Tick(e.Status); tick != "" {
			line += " " + tick
		}
	}

	return line
}
