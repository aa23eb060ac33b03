package protocol

// ErrorCode is the machine-readable token carried by an error control message.
type ErrorCode string

const (
	// Admission errors — surfaced as HTTP status before the WebSocket exists.
	CodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	CodeTenantOverQuota ErrorCode = "TENANT_OVER_QUOTA"

	// Session errors — emitted as error control messages. Non-recoverable
	// codes are followed by session end.
	CodeSessionAlreadyActive ErrorCode = "SESSION_ALREADY_ACTIVE"
	CodeSessionStartFailed   ErrorCode = "SESSION_START_FAILED"
	CodeNoActiveSession      ErrorCode = "NO_ACTIVE_SESSION"
	CodeUpstreamConnect      ErrorCode = "UPSTREAM_CONNECT"
	CodeAgentDisconnected    ErrorCode = "AGENT_DISCONNECTED"

	// Protocol errors — recoverable; the session continues.
	CodeMessageProcessing ErrorCode = "MESSAGE_PROCESSING_ERROR"
	CodeUnknownMessage    ErrorCode = "UNKNOWN_MESSAGE_TYPE"
)

// CodeUpstreamDisconnect is the code recorded in session metrics when the
// provider socket closes unexpectedly. The client-facing error for the same
// event carries [CodeAgentDisconnected].
const CodeUpstreamDisconnect = "ELEVENLABS_DISCONNECT"

// Recoverable reports whether a session may continue after an error with
// this code has been emitted.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case CodeMessageProcessing, CodeUnknownMessage, CodeNoActiveSession:
		return true
	}
	return false
}
