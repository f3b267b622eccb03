package flow

import "fmt"

// ErrorCode is the wire-visible error taxonomy carried in TRANSFER_ERROR param1
type ErrorCode uint32

const (
	ErrCodeUnknown              ErrorCode = 0x01
	ErrCodeTransferTooLarge     ErrorCode = 0x02
	ErrCodeChunkSizeTooLarge    ErrorCode = 0x03
	ErrCodeMemoryAllocation     ErrorCode = 0x04
	ErrCodeBufferOverflow       ErrorCode = 0x05
	ErrCodeInvalidChunkID       ErrorCode = 0x06
	ErrCodeDuplicateChunk       ErrorCode = 0x07
	ErrCodeControlTooShort      ErrorCode = 0x08
	ErrCodeDataChunkTooShort    ErrorCode = 0x09
	ErrCodeNotificationFailed   ErrorCode = 0x0A
	ErrCodeInvalidCommand       ErrorCode = 0x0B
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeUnknown:
		return "UNKNOWN_ERROR"
	case ErrCodeTransferTooLarge:
		return "TRANSFER_TOO_LARGE"
	case ErrCodeChunkSizeTooLarge:
		return "CHUNK_SIZE_TOO_LARGE"
	case ErrCodeMemoryAllocation:
		return "MEMORY_ALLOCATION_FAILED"
	case ErrCodeBufferOverflow:
		return "BUFFER_OVERFLOW"
	case ErrCodeInvalidChunkID:
		return "INVALID_CHUNK_ID"
	case ErrCodeDuplicateChunk:
		return "DUPLICATE_CHUNK"
	case ErrCodeControlTooShort:
		return "CONTROL_MESSAGE_TOO_SHORT"
	case ErrCodeDataChunkTooShort:
		return "DATA_CHUNK_TOO_SHORT"
	case ErrCodeNotificationFailed:
		return "NOTIFICATION_SEND_FAILED"
	case ErrCodeInvalidCommand:
		return "INVALID_COMMAND"
	default:
		return fmt.Sprintf("ERROR_0x%02X", uint32(c))
	}
}

// ProtocolError is a receiver-detected protocol violation. It is terminal for
// the session and mirrors the TRANSFER_ERROR frame sent to the peer.
type ProtocolError struct {
	Code    ErrorCode
	Context uint32 // additional context, command- or chunk-specific
	Reason  string
}

func (e *ProtocolError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	}
	return e.Code.String()
}

// NewProtocolError builds a ProtocolError with a formatted reason
func NewProtocolError(code ErrorCode, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: code, Reason: fmt.Sprintf(format, args...)}
}
