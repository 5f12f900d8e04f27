/*
Package errs provides custom error types and application-level error code constants.

This file defines the map from error codes to the CustomError struct. Messages for the
join errors are shown verbatim by clients, so they read as user-facing sentences.
*/
package errs

import "net/http"

var errorMap = map[int]CustomError{
	// 1xxx: General Request Handling Errors
	ErrInvalidParams:     {Code: ErrInvalidParams, Message: "Invalid request parameters.", Status: http.StatusBadRequest},
	ErrInvalidJSONFormat: {Code: ErrInvalidJSONFormat, Message: "Unsupported request format.", Status: http.StatusBadRequest},
	ErrRateLimitExceeded: {Code: ErrRateLimitExceeded, Message: "Too many requests. Please try again later.", Status: http.StatusTooManyRequests},
	ErrUnsupportedEvent:  {Code: ErrUnsupportedEvent, Message: "Unsupported event."},

	// 2xxx: Room Membership and Content Errors
	ErrNameTaken:             {Code: ErrNameTaken, Message: "Username is taken."},
	ErrNameRequired:          {Code: ErrNameRequired, Message: "Username and room are required."},
	ErrNameReserved:          {Code: ErrNameReserved, Message: "Username %q is reserved."},
	ErrAlreadyJoined:         {Code: ErrAlreadyJoined, Message: "This connection has already joined a room."},
	ErrMessageContentTooLong: {Code: ErrMessageContentTooLong, Message: "Message is too long."},

	// 5xxx: Internal System Errors
	ErrUnknown: {Code: ErrUnknown, Message: "Something went wrong. Please try again.", Status: http.StatusInternalServerError},
}
