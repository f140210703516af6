package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/collabd/internal/codetools"
	"collabtext/collabd/internal/debug"
	"collabtext/collabd/internal/document"
	"collabtext/collabd/internal/event"
	"collabtext/collabd/internal/protocol"
	"collabtext/collabd/internal/reconcile"
	"collabtext/collabd/internal/sandbox"
)

func insert(fileID string, pos int, text string, base, clientSeq int64) protocol.CodeUpdate {
	return protocol.CodeUpdate{FileID: fileID, Op: protocol.Operation{
		Kind:      protocol.OpInsert,
		Pos:       pos,
		Text:      text,
		BaseSeq:   base,
		ClientSeq: clientSeq,
		Timestamp: time.Now().UTC(),
	}}
}

func content(t *testing.T, c *Coordinator, roomID, fileID string) string {
	t.Helper()
	text, _, err := c.docs.Read(roomID, fileID)
	require.NoError(t, err)
	return text
}

func TestJoinSendsRoomState(t *testing.T) {
	c := newCoordinator(t, Deps{Files: memFiles(t, "r1", map[string]string{"main.py": "print(1)\n"})})

	a, ac := join(t, c, "r1", "alice")
	st := decode[protocol.RoomState](t, ac.ofType(protocol.TypeRoomState)[0])
	assert.Equal(t, "r1", st.RoomID)
	assert.Equal(t, a.ID, st.SessionID)
	assert.Equal(t, map[string]string{"main.py": "print(1)\n"}, st.Files)
	assert.Equal(t, int64(1), st.Seqs["main.py"])
	assert.Equal(t, "python", st.Language)
	assert.Len(t, st.Sessions, 1)
	assert.Equal(t, "stopped", st.Debug.State)
	assert.Empty(t, st.ChatHistory)

	b, bc := join(t, c, "r1", "bob")
	joined := decode[protocol.UserEvent](t, ac.await(t, protocol.TypeUserJoined, 1)[0])
	assert.Equal(t, b.ID, joined.SessionID)
	assert.Equal(t, "bob", joined.ParticipantID)

	st = decode[protocol.RoomState](t, bc.ofType(protocol.TypeRoomState)[0])
	require.Len(t, st.Sessions, 2)
	assert.Equal(t, a.ID, st.Sessions[0].SessionID)
	assert.Equal(t, b.ID, st.Sessions[1].SessionID)

	settle(t, c, "r1")
	assert.Empty(t, bc.ofType(protocol.TypeUserJoined))
}

func TestRequestLatest(t *testing.T) {
	c := newCoordinator(t, Deps{Files: memFiles(t, "r1", map[string]string{"main.py": "a"})})
	a, ac := join(t, c, "r1", "alice")

	send(c, a, protocol.TypeRequestLatest, nil)
	frames := ac.await(t, protocol.TypeRoomState, 2)
	assert.Equal(t, "a", decode[protocol.RoomState](t, frames[1]).Files["main.py"])
}

func TestEditIsAckedAndFannedOut(t *testing.T) {
	c := newCoordinator(t, Deps{Files: memFiles(t, "r1", map[string]string{"main.py": "hello"})})
	a, ac := join(t, c, "r1", "alice")
	_, bc := join(t, c, "r1", "bob")

	send(c, a, protocol.TypeCodeUpdate, insert("main.py", 5, " world", 1, 1))

	ack := decode[protocol.CodeAck](t, ac.await(t, protocol.TypeCodeAck, 1)[0])
	assert.Equal(t, int64(2), ack.Seq)
	assert.Equal(t, int64(1), ack.ClientSeq)

	upd := decode[protocol.CodeUpdate](t, bc.await(t, protocol.TypeCodeUpdate, 1)[0])
	assert.Equal(t, "main.py", upd.FileID)
	assert.Equal(t, int64(2), upd.Op.Seq)
	assert.Equal(t, " world", upd.Op.Text)
	assert.Equal(t, a.ID, upd.Op.SessionID)

	settle(t, c, "r1")
	assert.Empty(t, ac.ofType(protocol.TypeCodeUpdate))
	assert.Equal(t, "hello world", content(t, c, "r1", "main.py"))
}

func TestConcurrentEditsAreTransformed(t *testing.T) {
	c := newCoordinator(t, Deps{Files: memFiles(t, "r1", map[string]string{"main.py": "abc"})})
	a, ac := join(t, c, "r1", "alice")
	b, bc := join(t, c, "r1", "bob")

	send(c, a, protocol.TypeCodeUpdate, insert("main.py", 0, "X", 1, 1))
	bc.await(t, protocol.TypeCodeUpdate, 1)

	// Bob still believes seq 1 is current.
	send(c, b, protocol.TypeCodeUpdate, insert("main.py", 3, "Y", 1, 1))

	fromA := decode[protocol.CodeUpdate](t, ac.await(t, protocol.TypeCodeUpdate, 1)[0])
	fromB := decode[protocol.CodeUpdate](t, bc.await(t, protocol.TypeCodeUpdate, 2)[1])
	for _, upd := range []protocol.CodeUpdate{fromA, fromB} {
		assert.Equal(t, int64(3), upd.Op.Seq)
		assert.Equal(t, int64(2), upd.Op.BaseSeq)
		assert.Equal(t, 4, upd.Op.Pos)
	}

	settle(t, c, "r1")
	assert.Empty(t, bc.ofType(protocol.TypeCodeAck))
	assert.Equal(t, "XabcY", content(t, c, "r1", "main.py"))
}

func TestDuplicateOperationIsRejected(t *testing.T) {
	c := newCoordinator(t, Deps{Files: memFiles(t, "r1", map[string]string{"main.py": "hello"})})
	a, ac := join(t, c, "r1", "alice")
	_, bc := join(t, c, "r1", "bob")

	send(c, a, protocol.TypeCodeUpdate, insert("main.py", 5, "!", 1, 7))
	send(c, a, protocol.TypeCodeUpdate, insert("main.py", 5, "!", 1, 7))

	ac.awaitError(t, protocol.CodeDuplicate)
	settle(t, c, "r1")
	assert.Len(t, bc.ofType(protocol.TypeCodeUpdate), 1)
	assert.Equal(t, "hello!", content(t, c, "r1", "main.py"))
}

func TestProtocolErrorsGoToOrigin(t *testing.T) {
	c := newCoordinator(t, Deps{Files: memFiles(t, "r1", map[string]string{"main.py": "hello"})})
	a, ac := join(t, c, "r1", "alice")
	_, bc := join(t, c, "r1", "bob")

	c.Handle(context.Background(), a, []byte("not json"))
	ac.awaitError(t, protocol.CodeMalformed)

	c.Handle(context.Background(), a, []byte(`{"type":"bogus"}`))
	ac.awaitError(t, protocol.CodeUnknownType)

	send(c, a, protocol.TypeCodeUpdate, insert("main.py", 0, "x", 99, 0))
	ac.awaitError(t, protocol.CodeInvalidOperation)

	send(c, a, protocol.TypeCodeUpdate, protocol.CodeUpdate{FileID: "main.py", Op: protocol.Operation{Kind: "shove"}})
	require.Eventually(t, func() bool { return len(ac.ofType(protocol.TypeError)) == 4 }, waitFor, 5*time.Millisecond)

	settle(t, c, "r1")
	assert.Empty(t, bc.ofType(protocol.TypeError))
	assert.False(t, ac.isClosed())
	assert.Equal(t, "hello", content(t, c, "r1", "main.py"))
}

func TestCursorGoesToOthers(t *testing.T) {
	c := newCoordinator(t, Deps{})
	a, ac := join(t, c, "r1", "alice")
	_, bc := join(t, c, "r1", "bob")

	send(c, a, protocol.TypeCursorUpdate, protocol.CursorUpdate{
		SessionID: "spoofed",
		FileID:    "main.py",
		Position:  protocol.Position{Line: 2, Column: 3},
	})

	cur := decode[protocol.CursorUpdate](t, bc.await(t, protocol.TypeCursorUpdate, 1)[0])
	assert.Equal(t, a.ID, cur.SessionID)
	assert.Equal(t, protocol.Position{Line: 2, Column: 3}, cur.Position)

	settle(t, c, "r1")
	assert.Empty(t, ac.ofType(protocol.TypeCursorUpdate))
	require.NotNil(t, a.Cursor())
	assert.Equal(t, 2, a.Cursor().Position.Line)
}

func TestCursorsFollowEdits(t *testing.T) {
	c := newCoordinator(t, Deps{Files: memFiles(t, "r1", map[string]string{"main.py": "ab\ncd\n"})})
	a, _ := join(t, c, "r1", "alice")
	b, bc := join(t, c, "r1", "bob")

	send(c, a, protocol.TypeCursorUpdate, protocol.CursorUpdate{
		FileID:   "main.py",
		Position: protocol.Position{Line: 1, Column: 1},
		Selection: &protocol.Selection{
			Anchor: protocol.Position{Line: 0, Column: 1},
			Head:   protocol.Position{Line: 1, Column: 1},
		},
	})
	bc.await(t, protocol.TypeCursorUpdate, 1)

	send(c, b, protocol.TypeCodeUpdate, insert("main.py", 0, "# x\n", 1, 1))
	bc.await(t, protocol.TypeCodeAck, 1)

	_, cc := join(t, c, "r1", "carol")
	st := decode[protocol.RoomState](t, cc.ofType(protocol.TypeRoomState)[0])
	require.Len(t, st.Sessions, 3)
	cur := st.Sessions[0].Cursor
	require.NotNil(t, cur)
	assert.Equal(t, a.ID, cur.SessionID)
	assert.Equal(t, protocol.Position{Line: 2, Column: 1}, cur.Position)
	require.NotNil(t, cur.Selection)
	assert.Equal(t, protocol.Position{Line: 1, Column: 1}, cur.Selection.Anchor)

	// Deleting the text the cursor sits in pulls it back to the cut.
	send(c, b, protocol.TypeCodeUpdate, protocol.CodeUpdate{FileID: "main.py", Op: protocol.Operation{
		Kind: protocol.OpDelete, Pos: 2, End: 9, BaseSeq: 2, ClientSeq: 2,
	}})
	bc.await(t, protocol.TypeCodeAck, 2)
	settle(t, c, "r1")
	assert.Equal(t, protocol.Position{Line: 0, Column: 2}, a.Cursor().Position)
}

func TestFileOperations(t *testing.T) {
	files := memFiles(t, "r1", nil)
	c := newCoordinator(t, Deps{Files: files})
	a, ac := join(t, c, "r1", "alice")
	_, bc := join(t, c, "r1", "bob")
	ctx := context.Background()

	send(c, a, protocol.TypeFileUpdate, protocol.FileUpdatePayload{Action: protocol.FileCreate, FileID: "src/util.py", Content: "x = 1\n"})
	created := decode[protocol.FileUpdatePayload](t, bc.await(t, protocol.TypeFileUpdate, 1)[0])
	assert.Equal(t, protocol.FileCreate, created.Action)
	assert.Equal(t, "src/util.py", created.FileID)
	assert.Equal(t, int64(1), created.Seq)
	assert.Equal(t, "alice", created.User)

	require.Eventually(t, func() bool {
		got, err := files.Read(ctx, "r1", "src/util.py")
		return err == nil && got == "x = 1\n"
	}, waitFor, 5*time.Millisecond)

	send(c, a, protocol.TypeFileUpdate, protocol.FileUpdatePayload{Action: protocol.FileCreate, FileID: "src/util.py"})
	ac.awaitError(t, protocol.CodeFileExists)

	send(c, a, protocol.TypeFileUpdate, protocol.FileUpdatePayload{Action: protocol.FileCreate, FileID: "/"})
	ac.awaitError(t, protocol.CodeInvalidOperation)

	send(c, a, protocol.TypeFileUpdate, protocol.FileUpdatePayload{Action: protocol.FileUpdate, FileID: "src/util.py", Content: "x = 2\n"})
	reset := decode[protocol.CodeUpdate](t, ac.await(t, protocol.TypeCodeUpdate, 1)[0])
	assert.Equal(t, protocol.OpReplace, reset.Op.Kind)
	assert.Equal(t, int64(2), reset.Op.Seq)

	send(c, a, protocol.TypeFileUpdate, protocol.FileUpdatePayload{Action: protocol.FileRename, FileID: "src/util.py", NewFileID: "src/helpers.py"})
	renamed := decode[protocol.FileUpdatePayload](t, bc.await(t, protocol.TypeFileUpdate, 2)[1])
	assert.Equal(t, protocol.FileRename, renamed.Action)
	assert.Equal(t, "src/helpers.py", renamed.NewFileID)
	assert.Equal(t, "x = 2\n", content(t, c, "r1", "src/helpers.py"))

	require.Eventually(t, func() bool {
		paths, err := files.List(ctx, "r1")
		return err == nil && assert.ObjectsAreEqual([]string{"src/helpers.py"}, paths)
	}, waitFor, 5*time.Millisecond)

	send(c, a, protocol.TypeFileUpdate, protocol.FileUpdatePayload{Action: protocol.FileDelete, FileID: "src/helpers.py"})
	bc.await(t, protocol.TypeFileUpdate, 3)

	send(c, a, protocol.TypeFileUpdate, protocol.FileUpdatePayload{Action: protocol.FileDelete, FileID: "src/helpers.py"})
	ac.awaitError(t, protocol.CodeFileNotFound)

	send(c, a, protocol.TypeFileUpdate, protocol.FileUpdatePayload{Action: "chmod", FileID: "x"})
	require.Eventually(t, func() bool { return len(ac.ofType(protocol.TypeError)) == 4 }, waitFor, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		paths, err := files.List(ctx, "r1")
		return err == nil && len(paths) == 0
	}, waitFor, 5*time.Millisecond)
}

func TestChatHistoryIsCapped(t *testing.T) {
	c := newCoordinator(t, Deps{})
	a, ac := join(t, c, "r1", "alice")

	for i := 1; i <= 4; i++ {
		send(c, a, protocol.TypeChatMessage, protocol.ChatMessage{Message: fmt.Sprintf("m%d", i)})
	}
	msgs := ac.await(t, protocol.TypeChatMessage, 4)
	first := decode[protocol.ChatMessage](t, msgs[0])
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "alice", first.User)
	assert.False(t, first.Timestamp.IsZero())

	send(c, a, protocol.TypeChatMessage, protocol.ChatMessage{})
	ac.awaitError(t, protocol.CodeMalformed)

	_, bc := join(t, c, "r1", "bob")
	st := decode[protocol.RoomState](t, bc.ofType(protocol.TypeRoomState)[0])
	require.Len(t, st.ChatHistory, 3)
	assert.Equal(t, "m2", st.ChatHistory[0].Message)
	assert.Equal(t, "m4", st.ChatHistory[2].Message)
}

func TestLanguageChange(t *testing.T) {
	c := newCoordinator(t, Deps{})
	a, _ := join(t, c, "r1", "alice")
	_, bc := join(t, c, "r1", "bob")

	send(c, a, protocol.TypeLanguageChange, protocol.LanguageChange{Language: "cpp"})
	got := decode[protocol.LanguageChange](t, bc.await(t, protocol.TypeLanguageChange, 1)[0])
	assert.Equal(t, "cpp", got.Language)

	rooms := c.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, "cpp", rooms[0].Language)
	assert.Equal(t, 2, rooms[0].Sessions)
}

func TestRunCode(t *testing.T) {
	c := newCoordinator(t, Deps{
		Files:    memFiles(t, "r1", map[string]string{"main.py": "print('hi')"}),
		Executor: fakeExecutor{result: sandbox.Result{Output: "hi\n", TimedOut: true, ExitCode: -1}},
	})
	a, ac := join(t, c, "r1", "alice")
	_, bc := join(t, c, "r1", "bob")

	send(c, a, protocol.TypeRunCode, protocol.RunCode{FileID: "main.py"})
	for _, cl := range []*client{ac, bc} {
		res := decode[protocol.RunResult](t, cl.await(t, protocol.TypeRunResult, 1)[0])
		assert.Equal(t, a.ID, res.SessionID)
		assert.Equal(t, "hi\n", res.Output)
		assert.Equal(t, "execution timed out", res.Error)
		assert.Equal(t, -1, res.ExitCode)
	}

	send(c, a, protocol.TypeRunCode, protocol.RunCode{FileID: "missing.py"})
	ac.awaitError(t, protocol.CodeFileNotFound)
}

func TestRunCodeFailures(t *testing.T) {
	c := newCoordinator(t, Deps{Files: memFiles(t, "r1", map[string]string{"main.rb": "puts 1"})})
	a, ac := join(t, c, "r1", "alice")
	send(c, a, protocol.TypeRunCode, protocol.RunCode{FileID: "main.rb"})
	ac.awaitError(t, protocol.CodeUnsupported)

	c2 := newCoordinator(t, Deps{
		Files:    memFiles(t, "r2", map[string]string{"main.rb": "puts 1"}),
		Executor: fakeExecutor{err: fmt.Errorf("%w: ruby", sandbox.ErrUnsupportedLanguage)},
	})
	b, bc := join(t, c2, "r2", "bob")
	send(c2, b, protocol.TypeRunCode, protocol.RunCode{FileID: "main.rb", Language: "ruby"})
	bc.awaitError(t, protocol.CodeUnsupported)
}

func TestFormatRequestBecomesEdits(t *testing.T) {
	c := newCoordinator(t, Deps{
		Files: memFiles(t, "r1", map[string]string{"main.py": "abc def"}),
		Tools: &fakeTools{},
	})
	a, ac := join(t, c, "r1", "alice")
	_, bc := join(t, c, "r1", "bob")

	send(c, a, protocol.TypeFormatRequest, protocol.ToolRequest{FileID: "main.py"})
	require.Eventually(t, func() bool {
		text, _, err := c.docs.Read("r1", "main.py")
		return err == nil && text == "ABC DEF"
	}, waitFor, 5*time.Millisecond)

	settle(t, c, "r1")
	assert.NotEmpty(t, ac.ofType(protocol.TypeCodeUpdate))
	assert.Equal(t, len(ac.ofType(protocol.TypeCodeUpdate)), len(bc.ofType(protocol.TypeCodeUpdate)))
}

func TestFormatIsDroppedWhenFileChanged(t *testing.T) {
	tools := &fakeTools{gate: make(chan struct{})}
	c := newCoordinator(t, Deps{
		Files: memFiles(t, "r1", map[string]string{"main.py": "abc"}),
		Tools: tools,
	})
	a, ac := join(t, c, "r1", "alice")

	send(c, a, protocol.TypeFormatRequest, protocol.ToolRequest{FileID: "main.py"})
	send(c, a, protocol.TypeCodeUpdate, insert("main.py", 3, "!", 1, 1))
	ac.await(t, protocol.TypeCodeAck, 1)
	close(tools.gate)

	ac.awaitError(t, protocol.CodeFormatStale)
	settle(t, c, "r1")
	assert.Equal(t, "abc!", content(t, c, "r1", "main.py"))
}

func TestLintRepliesToOrigin(t *testing.T) {
	issues := []protocol.Issue{{Line: 1, Severity: "warning", Message: "missing docstring"}}
	c := newCoordinator(t, Deps{
		Files: memFiles(t, "r1", map[string]string{"main.py": "x=1"}),
		Tools: &fakeTools{issues: issues},
	})
	a, ac := join(t, c, "r1", "alice")
	_, bc := join(t, c, "r1", "bob")

	send(c, a, protocol.TypeLintRequest, protocol.ToolRequest{FileID: "main.py"})
	res := decode[protocol.LintResult](t, ac.await(t, protocol.TypeLintResult, 1)[0])
	assert.Equal(t, "main.py", res.FileID)
	assert.Equal(t, issues, res.Issues)
	assert.Empty(t, bc.ofType(protocol.TypeLintResult))
}

func awaitState(t *testing.T, cl *client, match func(protocol.DebugState) bool) protocol.DebugState {
	t.Helper()
	var found protocol.DebugState
	require.Eventually(t, func() bool {
		for _, raw := range cl.ofType(protocol.TypeDebugState) {
			var st protocol.DebugState
			if json.Unmarshal(raw, &st) == nil && match(st) {
				found = st
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
	return found
}

func inState(state string) func(protocol.DebugState) bool {
	return func(st protocol.DebugState) bool { return st.State == state }
}

func TestDebugSession(t *testing.T) {
	l := &fakeLauncher{}
	c := newCoordinator(t, Deps{
		Files:    memFiles(t, "r1", map[string]string{"main.py": "x = 1\ny = 2\n"}),
		Launcher: l,
	})
	a, ac := join(t, c, "r1", "alice")
	b, bc := join(t, c, "r1", "bob")

	send(c, a, protocol.TypeDebugCommand, protocol.DebugCommand{Command: protocol.CommandContinue})
	ac.awaitError(t, protocol.CodeNoDebugSession)

	bps := []protocol.Breakpoint{{FileID: "main.py", Line: 2}}
	send(c, a, protocol.TypeDebugStart, protocol.DebugStart{FileID: "main.py", Breakpoints: bps})
	p, req := l.last(t)
	assert.Equal(t, "x = 1\ny = 2\n", req.Code)
	assert.Equal(t, "python", req.Language)
	assert.Equal(t, bps, req.Breakpoints)
	awaitState(t, bc, inState("running"))

	got := decode[protocol.DebugBreakpoints](t, bc.await(t, protocol.TypeDebugBreakpoints, 1)[0])
	assert.Equal(t, bps, got.Breakpoints)

	// A second start is refused and only its sender hears about it.
	send(c, b, protocol.TypeDebugStart, protocol.DebugStart{FileID: "main.py"})
	bc.awaitError(t, protocol.CodeDebugConflict)

	send(c, b, protocol.TypeDebugVariables, nil)
	bc.awaitError(t, protocol.CodeNotPaused)

	p.events <- debug.Event{
		Kind:      debug.EventStopped,
		FileID:    "main.py",
		Line:      2,
		Variables: map[string]string{"x": "1"},
		CallStack: []protocol.Frame{{Name: "<module>", FileID: "main.py", Line: 2}},
	}
	paused := awaitState(t, ac, inState("paused"))
	require.NotNil(t, paused.CurrentLine)
	assert.Equal(t, 2, *paused.CurrentLine)

	send(c, b, protocol.TypeDebugVariables, nil)
	vars := decode[protocol.DebugVariables](t, bc.await(t, protocol.TypeDebugVariables, 1)[0])
	assert.Equal(t, map[string]string{"x": "1"}, vars.Variables)
	require.Len(t, vars.CallStack, 1)

	send(c, b, protocol.TypeDebugEvaluate, protocol.DebugEvaluate{Expression: "x + 41"})
	eval := decode[protocol.DebugEvaluate](t, bc.await(t, protocol.TypeDebugEvaluate, 1)[0])
	assert.Equal(t, "x + 41", eval.Expression)
	assert.Equal(t, "42", eval.Value)

	// Editing the paused file invalidates the reported line.
	send(c, a, protocol.TypeCodeUpdate, insert("main.py", 0, "# hi\n", 1, 1))
	bc.awaitError(t, protocol.CodeStaleFrame)
	stale := awaitState(t, bc, func(st protocol.DebugState) bool { return st.Stale })
	assert.Nil(t, stale.CurrentLine)
	assert.Equal(t, "paused", stale.State)

	send(c, a, protocol.TypeDebugCommand, protocol.DebugCommand{Command: protocol.CommandStop})
	awaitState(t, bc, inState("terminated"))
	done := decode[protocol.DebugTerminated](t, bc.await(t, protocol.TypeDebugTerminated, 1)[0])
	assert.Equal(t, 0, done.ExitCode)
	assert.False(t, done.Forced)

	settle(t, c, "r1")
	for _, raw := range ac.ofType(protocol.TypeError) {
		assert.NotEqual(t, protocol.CodeDebugConflict, decode[protocol.Error](t, raw).Code)
	}
}

func TestBreakpointToggle(t *testing.T) {
	c := newCoordinator(t, Deps{Launcher: &fakeLauncher{}})
	a, ac := join(t, c, "r1", "alice")

	on, off := true, false
	send(c, a, protocol.TypeDebugBreakpoints, protocol.DebugBreakpoints{FileID: "main.py", Line: 3, Enabled: &on})
	got := decode[protocol.DebugBreakpoints](t, ac.await(t, protocol.TypeDebugBreakpoints, 1)[0])
	assert.Equal(t, []protocol.Breakpoint{{FileID: "main.py", Line: 3}}, got.Breakpoints)

	// Toggling on again changes nothing and is not broadcast.
	send(c, a, protocol.TypeDebugBreakpoints, protocol.DebugBreakpoints{FileID: "main.py", Line: 3, Enabled: &on})
	send(c, a, protocol.TypeDebugBreakpoints, protocol.DebugBreakpoints{FileID: "main.py", Line: 3, Enabled: &off})
	frames := ac.await(t, protocol.TypeDebugBreakpoints, 2)
	assert.Empty(t, decode[protocol.DebugBreakpoints](t, frames[1]).Breakpoints)

	send(c, a, protocol.TypeDebugBreakpoints, protocol.DebugBreakpoints{})
	ac.awaitError(t, protocol.CodeMalformed)
}

func TestDebugUnavailableWithoutLauncher(t *testing.T) {
	c := newCoordinator(t, Deps{})
	a, ac := join(t, c, "r1", "alice")
	send(c, a, protocol.TypeDebugStart, protocol.DebugStart{FileID: "main.py", Code: "print(1)"})
	ac.awaitError(t, protocol.CodeUnsupported)
}

func TestRoomIsReapedAndReloaded(t *testing.T) {
	files := memFiles(t, "r1", nil)
	c := newCoordinator(t, Deps{Files: files})
	a, ac := join(t, c, "r1", "alice")

	send(c, a, protocol.TypeFileUpdate, protocol.FileUpdatePayload{Action: protocol.FileCreate, FileID: "notes.txt", Content: "hi"})
	ac.await(t, protocol.TypeFileUpdate, 1)

	c.Leave(a.ID)
	assert.True(t, ac.isClosed())
	require.Eventually(t, func() bool { return len(c.Rooms()) == 0 }, waitFor, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		got, err := files.Read(context.Background(), "r1", "notes.txt")
		return err == nil && got == "hi"
	}, waitFor, 5*time.Millisecond)

	_, bc := join(t, c, "r1", "bob")
	st := decode[protocol.RoomState](t, bc.ofType(protocol.TypeRoomState)[0])
	assert.Equal(t, "hi", st.Files["notes.txt"])
}

func TestRejoinWithinGraceKeepsRoom(t *testing.T) {
	c := newCoordinator(t, Deps{})
	c.cfg.GracePeriod = time.Hour
	a, _ := join(t, c, "r1", "alice")
	send(c, a, protocol.TypeLanguageChange, protocol.LanguageChange{Language: "java"})
	settle(t, c, "r1")

	c.Leave(a.ID)
	_, bc := join(t, c, "r1", "alice")
	st := decode[protocol.RoomState](t, bc.ofType(protocol.TypeRoomState)[0])
	assert.Equal(t, "java", st.Language)
}

func TestRoomOutlivesSessionsWhileDebugging(t *testing.T) {
	l := &fakeLauncher{}
	c := newCoordinator(t, Deps{Launcher: l})
	a, ac := join(t, c, "r1", "alice")

	send(c, a, protocol.TypeDebugStart, protocol.DebugStart{FileID: "main.py", Code: "while True: pass"})
	p, _ := l.last(t)
	awaitState(t, ac, inState("running"))

	c.Leave(a.ID)
	time.Sleep(5 * c.cfg.GracePeriod)
	require.Len(t, c.Rooms(), 1)

	p.exit(3)
	require.Eventually(t, func() bool { return len(c.Rooms()) == 0 }, waitFor, 5*time.Millisecond)
}

func TestIdleSessionTimesOut(t *testing.T) {
	c := newCoordinator(t, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, 40*time.Millisecond)

	_, ac := join(t, c, "r1", "alice")
	require.Eventually(t, ac.isClosed, waitFor, 5*time.Millisecond)
	assert.Equal(t, protocol.CodeSessionTimeout, decode[protocol.Error](t, ac.ofType(protocol.TypeError)[0]).Code)
	assert.Equal(t, 0, c.Sessions().Count("r1"))
}

func TestFailedSendDropsSession(t *testing.T) {
	c := newCoordinator(t, Deps{})
	a, _ := join(t, c, "r1", "alice")
	_, bc := join(t, c, "r1", "bob")

	bc.Close()
	send(c, a, protocol.TypeChatMessage, protocol.ChatMessage{Message: "anyone?"})
	require.Eventually(t, func() bool { return c.Sessions().Count("r1") == 1 }, waitFor, 5*time.Millisecond)
}

func TestEventsArePublished(t *testing.T) {
	pub := &recordingPublisher{}
	c := newCoordinator(t, Deps{Events: pub})
	a, _ := join(t, c, "r1", "alice")

	send(c, a, protocol.TypeChatMessage, protocol.ChatMessage{Message: "hello"})
	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		for _, ev := range pub.events {
			if ev.Kind != event.RoomDelta {
				continue
			}
			in, err := protocol.Decode(ev.Frame)
			if err == nil && in.Type == protocol.TypeChatMessage {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, event.RoomCreated, pub.kinds()[0])

	require.NoError(t, c.Shutdown(context.Background()))
	kinds := pub.kinds()
	assert.Equal(t, event.RoomDestroyed, kinds[len(kinds)-1])
}

func TestShutdownFlushesAndRefusesJoins(t *testing.T) {
	files := memFiles(t, "r1", nil)
	c := newCoordinator(t, Deps{Files: files})
	c.cfg.FlushInterval = time.Hour
	a, ac := join(t, c, "r1", "alice")

	send(c, a, protocol.TypeFileUpdate, protocol.FileUpdatePayload{Action: protocol.FileCreate, FileID: "main.py", Content: "saved"})
	require.NoError(t, c.Shutdown(context.Background()))

	got, err := files.Read(context.Background(), "r1", "main.py")
	require.NoError(t, err)
	assert.Equal(t, "saved", got)
	assert.True(t, ac.isClosed())

	_, err = c.Join("r1", "bob", &client{})
	assert.ErrorIs(t, err, ErrClosed)
	var roomErr *Error
	require.ErrorAs(t, err, &roomErr)
	assert.Equal(t, "join", roomErr.Op)
}

func TestCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want protocol.ErrorCode
	}{
		{fmt.Errorf("%w: x", protocol.ErrMalformed), protocol.CodeMalformed},
		{fmt.Errorf("%w: seq 3", reconcile.ErrDuplicate), protocol.CodeDuplicate},
		{document.ErrFutureBase, protocol.CodeInvalidOperation},
		{fmt.Errorf("%w: a.py", document.ErrNotFound), protocol.CodeFileNotFound},
		{debug.ErrConflict, protocol.CodeDebugConflict},
		{debug.ErrInvalidState, protocol.CodeInvalidCommand},
		{codetools.ErrNoTool, protocol.CodeUnsupported},
		{codetools.ErrToolFailed, protocol.CodeToolFailure},
		{&Error{RoomID: "r", Op: "format", Err: ErrFormatStale}, protocol.CodeFormatStale},
		{errors.New("disk on fire"), protocol.CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, codeFor(tt.err), tt.err.Error())
	}
}

func TestLanguageFor(t *testing.T) {
	assert.Equal(t, "python", languageFor("app/main.py", "cpp"))
	assert.Equal(t, "javascript", languageFor("index.JS", "python"))
	assert.Equal(t, "java", languageFor("Main.java", "python"))
	assert.Equal(t, "cpp", languageFor("a.cc", "python"))
	assert.Equal(t, "python", languageFor("Makefile", "python"))
}
