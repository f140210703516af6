package debug

import (
	"context"

	"collabtext/collabd/internal/protocol"
)

// LaunchRequest is the code snapshot a debug session starts from.
type LaunchRequest struct {
	RoomID      string
	FileID      string
	Code        string
	Language    string
	Breakpoints []protocol.Breakpoint
}

// Launcher starts debuggee processes. ctx bounds the launch only; the
// returned Process lives until it exits or is killed.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Process, error)
}

// Process is a running debuggee. Implementations that cannot pause or step
// return ErrUnsupported from those methods.
type Process interface {
	// Events is closed after the process has exited.
	Events() <-chan Event

	Pause() error
	// Resume continues execution with one of the continue or step commands.
	Resume(command string) error
	SetBreakpoints(bps []protocol.Breakpoint) error
	Evaluate(ctx context.Context, expression string) (string, error)

	// Interrupt asks the process to exit; Kill forces it.
	Interrupt() error
	Kill() error
}

type EventKind int

const (
	EventReady EventKind = iota
	EventStopped
	EventOutput
	EventExited
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventStopped:
		return "stopped"
	case EventOutput:
		return "output"
	case EventExited:
		return "exited"
	}
	return "unknown"
}

// Event is reported by a Process. Fields are set according to Kind.
type Event struct {
	Kind EventKind

	// EventStopped
	FileID    string
	Line      int
	CallStack []protocol.Frame
	Variables map[string]string

	// EventOutput
	Text   string
	Stream string

	// EventExited
	ExitCode int
	Err      error
}
