// Package protocol defines the JSON messages exchanged between browser sessions
// and the room coordinator. Every frame is a flat object {type, ...payload}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type is the declared type of a wire message.
type Type string

const (
	TypeCodeUpdate       Type = "code_update"
	TypeCodeAck          Type = "code_ack"
	TypeCursorUpdate     Type = "cursor_update"
	TypeRoomState        Type = "room_state"
	TypeRequestLatest    Type = "request_latest"
	TypeUserJoined       Type = "user_joined"
	TypeUserLeft         Type = "user_left"
	TypeFileUpdate       Type = "file_update"
	TypeLanguageChange   Type = "language_change"
	TypeChatMessage      Type = "chat_message"
	TypeDebugStart       Type = "debug_start"
	TypeDebugState       Type = "debug_state"
	TypeDebugOutput      Type = "debug_output"
	TypeDebugCommand     Type = "debug_command"
	TypeDebugTerminated  Type = "debug_terminated"
	TypeDebugBreakpoints Type = "debug_breakpoints"
	TypeDebugVariables   Type = "debug_variables"
	TypeDebugEvaluate    Type = "debug_evaluate"
	TypeRunCode          Type = "run_code"
	TypeRunResult        Type = "run_result"
	TypeFormatRequest    Type = "format_request"
	TypeLintRequest      Type = "lint_request"
	TypeLintResult       Type = "lint_result"
	TypeError            Type = "error"
)

var ErrMalformed = errors.New("protocol: malformed message")

// Inbound is a decoded frame whose payload has not been bound yet.
type Inbound struct {
	Type Type
	raw  []byte
}

// Decode reads the type of a frame and keeps the raw bytes for Bind.
func Decode(data []byte) (Inbound, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return Inbound{Type: head.Type, raw: data}, nil
}

// Bind unmarshals the frame into the payload struct v.
func (in Inbound) Bind(v any) error {
	if err := json.Unmarshal(in.raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Encode renders payload as a flat object and sets its "type" field.
func Encode(t Type, payload any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("protocol: payload for %s is not an object: %w", t, err)
		}
	}
	typ, _ := json.Marshal(t)
	fields["type"] = typ
	return json.Marshal(fields)
}

// MustEncode is Encode for payloads known to marshal.
func MustEncode(t Type, payload any) []byte {
	data, err := Encode(t, payload)
	if err != nil {
		panic(err)
	}
	return data
}

type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type Selection struct {
	Anchor Position `json:"anchor"`
	Head   Position `json:"head"`
}

type CodeUpdate struct {
	FileID string    `json:"fileId"`
	Op     Operation `json:"op"`
}

type CodeAck struct {
	FileID    string `json:"fileId"`
	Seq       int64  `json:"seq"`
	ClientSeq int64  `json:"clientSeq,omitempty"`
}

type CursorUpdate struct {
	SessionID string     `json:"sessionId"`
	FileID    string     `json:"fileId,omitempty"`
	Position  Position   `json:"position"`
	Selection *Selection `json:"selection,omitempty"`
}

type SessionInfo struct {
	SessionID     string        `json:"sessionId"`
	ParticipantID string        `json:"participantId"`
	JoinedAt      time.Time     `json:"joinedAt"`
	Cursor        *CursorUpdate `json:"cursor,omitempty"`
}

type RoomState struct {
	RoomID      string            `json:"roomId"`
	SessionID   string            `json:"sessionId"`
	Files       map[string]string `json:"files"`
	Seqs        map[string]int64  `json:"seqs"`
	Language    string            `json:"language"`
	Sessions    []SessionInfo     `json:"sessions"`
	ChatHistory []ChatMessage     `json:"chatHistory"`
	Debug       DebugState        `json:"debug"`
	Breakpoints []Breakpoint      `json:"breakpoints"`
}

type UserEvent struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
}

// File actions carried by file_update.
const (
	FileCreate = "create"
	FileUpdate = "update"
	FileDelete = "delete"
	FileRename = "rename"
)

type FileUpdatePayload struct {
	Action    string `json:"action"`
	FileID    string `json:"fileId"`
	Content   string `json:"content,omitempty"`
	NewFileID string `json:"newFileId,omitempty"`
	Seq       int64  `json:"seq,omitempty"`
	User      string `json:"user,omitempty"`
}

type LanguageChange struct {
	Language string `json:"language"`
}

type ChatMessage struct {
	ID        string    `json:"id,omitempty"`
	User      string    `json:"user,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type Breakpoint struct {
	FileID string `json:"fileId"`
	Line   int    `json:"line"`
}

type Frame struct {
	Name   string `json:"name"`
	FileID string `json:"fileId"`
	Line   int    `json:"line"`
}

type DebugStart struct {
	FileID      string       `json:"fileId"`
	Code        string       `json:"code"`
	Breakpoints []Breakpoint `json:"breakpoints"`
	Language    string       `json:"language"`
}

// DebugState is broadcast on every debug transition and paused-frame update.
// CurrentLine is nil unless the session is paused on a trusted location.
type DebugState struct {
	State       string            `json:"state"`
	FileID      string            `json:"fileId,omitempty"`
	CurrentLine *int              `json:"currentLine"`
	Variables   map[string]string `json:"variables"`
	CallStack   []Frame           `json:"callStack"`
	Stale       bool              `json:"stale,omitempty"`
}

type DebugOutput struct {
	Text   string `json:"text"`
	Stream string `json:"stream,omitempty"`
}

// Debug commands carried by debug_command.
const (
	CommandPause    = "pause"
	CommandContinue = "continue"
	CommandStepOver = "step_over"
	CommandStepInto = "step_into"
	CommandStepOut  = "step_out"
	CommandStop     = "stop"
)

type DebugCommand struct {
	Command string `json:"command"`
}

type DebugTerminated struct {
	ExitCode int  `json:"exitCode"`
	Forced   bool `json:"forced"`
}

// DebugBreakpoints either toggles a single breakpoint (FileID, Line, Enabled)
// or, when Breakpoints is non-nil, replaces the whole set.
type DebugBreakpoints struct {
	FileID      string       `json:"fileId,omitempty"`
	Line        int          `json:"line,omitempty"`
	Enabled     *bool        `json:"enabled,omitempty"`
	Breakpoints []Breakpoint `json:"breakpoints"`
}

type DebugVariables struct {
	Variables map[string]string `json:"variables"`
	CallStack []Frame           `json:"callStack"`
}

type DebugEvaluate struct {
	Expression string `json:"expression"`
	Value      string `json:"value,omitempty"`
}

type RunCode struct {
	FileID   string `json:"fileId"`
	Language string `json:"language,omitempty"`
}

type RunResult struct {
	SessionID string `json:"sessionId"`
	Output    string `json:"output"`
	Error     string `json:"error,omitempty"`
	ExitCode  int    `json:"exitCode"`
}

type ToolRequest struct {
	FileID string `json:"fileId"`
}

type Issue struct {
	Line     int    `json:"line"`
	Column   int    `json:"column,omitempty"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

type LintResult struct {
	FileID string  `json:"fileId"`
	Issues []Issue `json:"issues"`
}
