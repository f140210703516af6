package room

import (
	"errors"
	"fmt"

	"collabtext/collabd/internal/codetools"
	"collabtext/collabd/internal/debug"
	"collabtext/collabd/internal/document"
	"collabtext/collabd/internal/protocol"
	"collabtext/collabd/internal/reconcile"
	"collabtext/collabd/internal/sandbox"
	"collabtext/collabd/internal/storage"
)

var (
	ErrUnknownType   = errors.New("room: unknown message type")
	ErrInvalidAction = errors.New("room: invalid file action")
	ErrFormatStale   = errors.New("room: file changed while formatting")
	ErrUnavailable   = errors.New("room: feature not configured")
)

// Error records which room operation failed.
type Error struct {
	RoomID string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("room %s: %s: %v", e.RoomID, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// codeFor maps an error to the code sent to the client.
func codeFor(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		return protocol.CodeMalformed
	case errors.Is(err, ErrUnknownType):
		return protocol.CodeUnknownType
	case errors.Is(err, reconcile.ErrDuplicate):
		return protocol.CodeDuplicate
	case errors.Is(err, protocol.ErrInvalidOperation),
		errors.Is(err, document.ErrInvalidRange),
		errors.Is(err, document.ErrFutureBase),
		errors.Is(err, document.ErrStaleBase),
		errors.Is(err, storage.ErrInvalidPath),
		errors.Is(err, ErrInvalidAction):
		return protocol.CodeInvalidOperation
	case errors.Is(err, document.ErrNotFound):
		return protocol.CodeFileNotFound
	case errors.Is(err, document.ErrExists):
		return protocol.CodeFileExists
	case errors.Is(err, debug.ErrConflict):
		return protocol.CodeDebugConflict
	case errors.Is(err, debug.ErrNoSession):
		return protocol.CodeNoDebugSession
	case errors.Is(err, debug.ErrNotPaused):
		return protocol.CodeNotPaused
	case errors.Is(err, debug.ErrInvalidState), errors.Is(err, debug.ErrInvalidCommand):
		return protocol.CodeInvalidCommand
	case errors.Is(err, debug.ErrUnsupported),
		errors.Is(err, sandbox.ErrUnsupportedLanguage),
		errors.Is(err, codetools.ErrNoTool),
		errors.Is(err, ErrUnavailable):
		return protocol.CodeUnsupported
	case errors.Is(err, codetools.ErrToolFailed):
		return protocol.CodeToolFailure
	case errors.Is(err, ErrFormatStale):
		return protocol.CodeFormatStale
	}
	return protocol.CodeInternal
}
