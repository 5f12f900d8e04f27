/*
Package errs provides custom error types and application-level error code constants.

These error codes are used to clearly identify specific business or system errors
both internally within the server and in frames sent back to clients.
*/
package errs

// 1xxx: General Request Handling Errors
const (
	// ErrInvalidParams indicates that request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrInvalidJSONFormat indicates that a frame or request body was not valid JSON.
	ErrInvalidJSONFormat = 1003

	// ErrRateLimitExceeded indicates that the request rate has exceeded the set limit.
	ErrRateLimitExceeded = 1007

	// ErrUnsupportedEvent indicates that the client sent an event name the server does not handle.
	ErrUnsupportedEvent = 1008
)

// 2xxx: Room Membership and Content Errors
const (
	// ErrNameTaken indicates that the requested name is already used in the room.
	ErrNameTaken = 2101

	// ErrNameRequired indicates that the name or room was empty after trimming.
	ErrNameRequired = 2102

	// ErrNameReserved indicates that the requested name belongs to the system sender.
	ErrNameReserved = 2103

	// ErrAlreadyJoined indicates that the connection already holds a room membership.
	ErrAlreadyJoined = 2104

	// ErrMessageContentTooLong indicates that the user's message content exceeded the maximum length limit.
	ErrMessageContentTooLong = 2201
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown represents an unclassified, general server internal error.
	ErrUnknown = 5000
)
