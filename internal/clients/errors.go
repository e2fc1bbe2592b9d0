package clients

import (
	"errors"
	"fmt"
	"strings"
)

// Venue error codes. Only the non-retryable set is enumerated; anything the
// venue invents later defaults to retryable.
const (
	CodeUnknown          = -1000
	CodeUnauthorized     = -1002
	CodeTooManyRequests  = -1003
	CodeInvalidSignature = -1022
	CodeBadParameter     = -1102
	CodeUnknownParameter = -1103
	CodeDuplicateRequest = -1113
)

// VenueError is the classified form of a venue REST failure. Retryable drives
// the client's retry loop; callers distinguish "give up now" from "exhausted".
type VenueError struct {
	Code      int
	Message   string
	Retryable bool
	ClockSkew bool
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue error %d: %s", e.Code, e.Message)
}

// Classify maps a venue error code onto the retry taxonomy. Unauthorized
// responses that blame the request timestamp are surfaced as clock skew:
// retrying cannot fix a drifted clock, only ntp can.
func Classify(code int, message string) *VenueError {
	switch code {
	case CodeUnauthorized:
		if mentionsTimestamp(message) {
			return &VenueError{
				Code:      code,
				Message:   message + " (request timestamp rejected; check system clock synchronization)",
				Retryable: false,
				ClockSkew: true,
			}
		}
		return &VenueError{Code: code, Message: message, Retryable: false}
	case CodeInvalidSignature, CodeBadParameter, CodeUnknownParameter, CodeDuplicateRequest:
		return &VenueError{Code: code, Message: message, Retryable: false}
	default:
		return &VenueError{Code: code, Message: message, Retryable: true}
	}
}

func mentionsTimestamp(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "timestamp") || strings.Contains(m, "expired") || strings.Contains(m, "recv window")
}

// IsDuplicate reports whether err is the venue's duplicate-request rejection,
// which idempotent callers treat as success-once.
func IsDuplicate(err error) bool {
	var ve *VenueError
	return errors.As(err, &ve) && ve.Code == CodeDuplicateRequest
}

// IsClockSkew reports whether err was classified as clock drift.
func IsClockSkew(err error) bool {
	var ve *VenueError
	return errors.As(err, &ve) && ve.ClockSkew
}

// IsRetryable reports whether a failed call may be reissued. Transport errors
// (no venue classification) count as retryable.
func IsRetryable(err error) bool {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Retryable
	}
	return true
}
