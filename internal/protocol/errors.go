package protocol

// ErrorCode classifies an error frame.
type ErrorCode string

const (
	CodeMalformed         ErrorCode = "malformed_message"
	CodeUnknownType       ErrorCode = "unknown_type"
	CodeInvalidOperation  ErrorCode = "invalid_operation"
	CodeDuplicate         ErrorCode = "duplicate_operation"
	CodeFileNotFound      ErrorCode = "file_not_found"
	CodeFileExists        ErrorCode = "file_exists"
	CodeDebugConflict     ErrorCode = "concurrent_debug_conflict"
	CodeLaunchFailure     ErrorCode = "process_launch_failure"
	CodeStaleFrame        ErrorCode = "stale_frame_location"
	CodeSessionTimeout    ErrorCode = "session_timeout"
	CodeNotPaused         ErrorCode = "not_paused"
	CodeNoDebugSession    ErrorCode = "no_debug_session"
	CodeInvalidCommand    ErrorCode = "invalid_command"
	CodeUnsupported       ErrorCode = "unsupported"
	CodeFormatStale       ErrorCode = "format_stale"
	CodeToolFailure       ErrorCode = "tool_failure"
	CodeInternal          ErrorCode = "internal_error"
	CodeProcessTerminated ErrorCode = "process_terminated"
)

// Error is the payload of an error frame.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ErrorFrame encodes an error frame.
func ErrorFrame(code ErrorCode, message string) []byte {
	return MustEncode(TypeError, Error{Code: code, Message: message})
}
