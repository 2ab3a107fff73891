// Package errors provides structured error handling with machine-readable codes.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Invite errors
	CodeInviteTokenInvalid  Code = "INVITE_TOKEN_INVALID"
	CodeInviteTokenMismatch Code = "INVITE_TOKEN_MISMATCH"

	// Session errors
	CodeSessionNotFound          Code = "SESSION_NOT_FOUND"
	CodeSessionEmptyID           Code = "SESSION_EMPTY_ID"
	CodeSessionInvalidTransition Code = "SESSION_INVALID_STATUS_TRANSITION"
	CodeSessionFull              Code = "SESSION_FULL"
	CodeSessionExpired           Code = "SESSION_EXPIRED"

	// Participant errors
	CodeParticipantEmptyUserID      Code = "PARTICIPANT_EMPTY_USER_ID"
	CodeParticipantEmptyDisplayName Code = "PARTICIPANT_EMPTY_DISPLAY_NAME"
	CodeParticipantInvalidRole      Code = "PARTICIPANT_INVALID_ROLE"

	// Message errors
	CodeMessageEmptySessionID    Code = "MESSAGE_EMPTY_SESSION_ID"
	CodeMessageEmptySenderID     Code = "MESSAGE_EMPTY_SENDER_ID"
	CodeMessageEmptyPayload      Code = "MESSAGE_EMPTY_PAYLOAD"
	CodeMessageNotFound          Code = "MESSAGE_NOT_FOUND"
	CodeMessageInvalidTransition Code = "MESSAGE_INVALID_STATUS_TRANSITION"
	CodeMessageDestroyed         Code = "MESSAGE_DESTROYED"

	// Store errors
	CodeStoreTransient Code = "STORE_TRANSIENT"
	CodeStoreConflict  Code = "STORE_CONFLICT"

	// Retry/breaker errors
	CodeRetryBudgetExhausted Code = "RETRY_BUDGET_EXHAUSTED"
	CodeBreakerOpen          Code = "BREAKER_OPEN"

	// Operation outcomes surfaced to callers
	CodeJoinFailed   Code = "JOIN_FAILED"
	CodeSendFailed   Code = "SEND_FAILED"
	CodeSyncDegraded Code = "SYNC_DEGRADED"
)

// Terminal reports whether an error code identifies a condition that
// retrying cannot fix. Terminal errors must surface immediately and are
// never fed back into a retry loop.
func (c Code) Terminal() bool {
	switch c {
	case CodeInviteTokenInvalid,
		CodeInviteTokenMismatch,
		CodeSessionNotFound,
		CodeSessionEmptyID,
		CodeSessionInvalidTransition,
		CodeSessionFull,
		CodeSessionExpired,
		CodeParticipantEmptyUserID,
		CodeParticipantEmptyDisplayName,
		CodeParticipantInvalidRole,
		CodeMessageEmptySessionID,
		CodeMessageEmptySenderID,
		CodeMessageEmptyPayload,
		CodeMessageNotFound,
		CodeMessageInvalidTransition,
		CodeMessageDestroyed:
		return true
	}
	return false
}
