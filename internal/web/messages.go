package web

// messages.go defines user-friendly error messages with codes for support
// reference. When API consumers encounter errors, they can quote the error
// code to support staff for faster diagnosis.
//
// Error codes are grouped by category:
//
//	OP001  - Operation not found
//	OP002  - Invalid lifecycle transition (e.g. cancelling a finished operation)
//	OP003  - Operation is not queued
//	OP004  - Operation rejected (bad kind, missing payload/query)
//	OP005  - Payload too large
//
//	SCH001 - Schema not found
//	SCH002 - Schema rejected (bad rule definition)
//
//	VAL001 - Pre-validation failed
//
//	REQ001 - Malformed request body
//	REQ002 - Invalid query or path parameter
//
//	RATE001 - Rate limit exceeded
//
//	DB001  - Database unavailable
//	HIST001 - Archive not configured
//
//	ERR000 - Unclassified error (fallback)

import (
	"errors"
	"net/http"
	"strings"

	"github.com/JonMunkholm/bulkops/internal/engine"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

var rateLimitMessage = UserMessage{
	Message: "Too many requests",
	Action:  "Wait a minute before retrying",
	Code:    "RATE001",
}

var archiveUnavailableMessage = UserMessage{
	Message: "History archive is not configured",
	Action:  "Set DATABASE_URL to enable durable history",
	Code:    "HIST001",
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support with the request ID",
	Code:    "ERR000",
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps technical error patterns (case-insensitive) to user
// messages. Patterns are matched with strings.Contains and the first match
// wins, so more specific patterns come before general ones.
var errorPatterns = []errorPattern{
	{
		pattern: "payload exceeds",
		msg: UserMessage{
			Message: "The payload has too many records",
			Action:  "Split the request into smaller operations",
			Code:    "OP005",
		},
	},
	{
		pattern: "requires a payload or a query",
		msg: UserMessage{
			Message: "The operation has nothing to process",
			Action:  "Provide a payload of records or a query with totalItems",
			Code:    "OP004",
		},
	},
	{
		pattern: "requires totalitems",
		msg: UserMessage{
			Message: "Query-driven operations need an item count",
			Action:  "Set totalItems alongside the query",
			Code:    "OP004",
		},
	},
	{
		pattern: "unknown operation kind",
		msg: UserMessage{
			Message: "Unsupported operation kind",
			Action:  "Use one of: import, export, update, delete",
			Code:    "OP004",
		},
	},
	{
		pattern: "unknown priority",
		msg: UserMessage{
			Message: "Unsupported queue priority",
			Action:  "Use one of: high, normal, low",
			Code:    "REQ002",
		},
	},
	{
		pattern: "already queued",
		msg: UserMessage{
			Message: "The operation is already on the queue",
			Action:  "Wait for it to run or cancel it first",
			Code:    "OP002",
		},
	},
	{
		pattern: "pre-validation",
		msg: UserMessage{
			Message: "The payload failed schema validation",
			Action:  "Fix the reported records or disable failOnValidationError",
			Code:    "VAL001",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to reach the database",
			Action:  "Please try again in a few moments",
			Code:    "DB001",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "The request timed out",
			Action:  "Try a smaller request or try again later",
			Code:    "DB001",
		},
	},
}

// MapError converts a technical error to a user-friendly message.
// Typed engine errors are matched first; string patterns are the fallback.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var stateErr *engine.InvalidStateError
	switch {
	case errors.Is(err, engine.ErrOperationNotFound):
		return UserMessage{
			Message: "Operation not found",
			Action:  "Check the operation ID; it may have been cleared by retention",
			Code:    "OP001",
		}
	case errors.Is(err, engine.ErrSchemaNotFound):
		return UserMessage{
			Message: "Validation schema not found",
			Action:  "Register the schema before referencing it",
			Code:    "SCH001",
		}
	case errors.Is(err, engine.ErrNotQueued):
		return UserMessage{
			Message: "The operation is not on the queue",
			Action:  "Enqueue the operation before this action",
			Code:    "OP003",
		}
	case errors.As(err, &stateErr):
		return UserMessage{
			Message: "The operation cannot change state from " + string(stateErr.From),
			Action:  "Finished operations are immutable; create a new one instead",
			Code:    "OP002",
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// statusForError picks the HTTP status code for an engine error.
func statusForError(err error) int {
	var stateErr *engine.InvalidStateError
	switch {
	case errors.Is(err, engine.ErrOperationNotFound),
		errors.Is(err, engine.ErrSchemaNotFound):
		return http.StatusNotFound
	case errors.As(err, &stateErr), errors.Is(err, engine.ErrNotQueued):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
