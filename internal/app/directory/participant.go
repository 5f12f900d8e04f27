/*
Package directory tracks which connection is in which room under which name.

It is pure data with no network access. The chat Router consults it for membership,
fan-out targets, and for finding the current connection of a message's sender.
*/
package directory

import "strings"

// Participant is one active connection that has joined a room.
type Participant struct {

	// ID is the connection identity; unique among active connections.
	ID string `json:"id"`

	// Name is the display name, trimmed and lower-cased; unique within Room.
	Name string `json:"name"`

	// Room is the room name, trimmed and lower-cased.
	Room string `json:"room"`
}

// Normalize trims and lower-cases a name or room so comparisons are case-insensitive.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
