package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"collabtext/collabd/internal/debug"
	"collabtext/collabd/internal/protocol"
)

var (
	errExited         = fmt.Errorf("%w: debuggee exited", debug.ErrNotPaused)
	errMultiLineWatch = errors.New("sandbox: watch expression must be a single line")
)

const (
	pdbPrompt      = "(Pdb) "
	pdbVarPrefix   = "__collabd_var__ "
	pdbInterrupted = "Program interrupted. (Use 'cont' to resume)."
	pdbFinished    = "The program finished and will be restarted"
	pdbSysExit     = "The program exited via sys.exit(). Exit status:"
	pdbPostMortem  = "Uncaught exception. Entering post mortem debugging"

	// Prints the frame's plain locals, one marked line each.
	pdbLocals = `!for __k, __v in list(locals().items()): print("` + pdbVarPrefix +
		`%s=%r" % (__k, __v)) if not __k.startswith("__") and not callable(__v) and type(__v).__name__ != "module" else None`
)

var (
	// > /tmp/collabd-run-1/main.py(2)<module>(), with ->value on a return
	pdbLocation = regexp.MustCompile(`^> (.+)\((\d+)\)([^()]*)\(\)(?:->.*)?$`)
	// the same, as a line of `where`, current frame marked with >
	pdbFrame = regexp.MustCompile(`^[> ] (.+)\((\d+)\)([^()]*)\(\)(?:->.*)?$`)
)

var pdbCommands = map[string]string{
	protocol.CommandContinue: "c",
	protocol.CommandStepOver: "n",
	protocol.CommandStepInto: "s",
	protocol.CommandStepOut:  "r",
}

func (e *Executor) launchPDB(ctx context.Context, req debug.LaunchRequest, lang Language, ws workspace) (debug.Process, error) {
	command := lang.DebugCommand
	if len(command) == 0 {
		command = []string{"python3", "-u", "-m", "pdb", "{file}"}
	}
	args := e.argv(command, lang, ws)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = ws.dir
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		ws.remove()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		ws.remove()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		ws.remove()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		ws.remove()
		return nil, fmt.Errorf("sandbox: start %s debugger: %w", req.Language, err)
	}
	if err := ctx.Err(); err != nil {
		_ = killGroup(cmd)
		_ = cmd.Wait()
		ws.remove()
		return nil, err
	}

	p := &pdbProcess{
		cmd:      cmd,
		stdin:    stdin,
		file:     e.runFile(ws),
		fileID:   req.FileID,
		log:      e.log.With().Str("room", req.RoomID).Str("debugger", DebuggerPDB).Logger(),
		tokens:   make(chan pdbToken, 64),
		reqs:     make(chan pdbRequest),
		events:   make(chan debug.Event, 64),
		done:     make(chan struct{}),
		starting: true,
		exitCode: -1,
		applied:  make(map[int]bool),
		want:     breakpointLines(req.FileID, req.Breakpoints),
	}

	go readPDB(stdout, p.tokens)
	var errs sync.WaitGroup
	errs.Add(1)
	go func() {
		defer errs.Done()
		scanLines(stderr, func(line string) {
			p.events <- debug.Event{Kind: debug.EventOutput, Text: line, Stream: "stderr"}
		})
	}()
	go p.drive()

	go func() {
		<-p.done
		errs.Wait()
		err := cmd.Wait()
		ws.remove()

		code := 0
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		if p.exitCode >= 0 {
			code = p.exitCode
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = nil
		}
		p.exited.Store(true)
		p.events <- debug.Event{Kind: debug.EventExited, ExitCode: code, Err: err}
		close(p.events)
	}()
	return p, nil
}

func breakpointLines(fileID string, bps []protocol.Breakpoint) map[int]bool {
	lines := make(map[int]bool)
	for _, bp := range bps {
		if bp.FileID == fileID && bp.Line > 0 {
			lines[bp.Line] = true
		}
	}
	return lines
}

// pdbToken is one line of debugger output, or the prompt that says pdb is
// waiting for a command.
type pdbToken struct {
	line   string
	prompt bool
}

// readPDB splits stdout into lines and prompts. The prompt has no newline, so
// it is recognised when it ends the output read so far.
func readPDB(r io.Reader, out chan<- pdbToken) {
	defer close(out)
	br := bufio.NewReader(r)
	var buf []byte
	dropPrompt := false
	for {
		b, err := br.ReadByte()
		if err != nil {
			if len(buf) > 0 {
				out <- pdbToken{line: string(buf)}
			}
			return
		}
		if b == '\n' {
			line := strings.TrimSuffix(string(buf), "\r")
			buf = buf[:0]
			// A SIGINT at the prompt; pdb prompts again.
			if line == "--KeyboardInterrupt--" {
				dropPrompt = true
				continue
			}
			out <- pdbToken{line: line}
			continue
		}
		buf = append(buf, b)
		if len(buf) >= maxLine {
			out <- pdbToken{line: string(buf)}
			buf = buf[:0]
			continue
		}
		if br.Buffered() == 0 && bytes.HasSuffix(buf, []byte(pdbPrompt)) {
			if rest := buf[:len(buf)-len(pdbPrompt)]; len(rest) > 0 {
				out <- pdbToken{line: string(rest)}
			}
			buf = buf[:0]
			if dropPrompt {
				dropPrompt = false
				continue
			}
			out <- pdbToken{prompt: true}
		}
	}
}

type pdbRequestKind int

const (
	pdbResume pdbRequestKind = iota
	pdbEvaluate
	pdbBreakpoints
	pdbPause
)

type pdbRequest struct {
	kind  pdbRequestKind
	arg   string
	bps   []protocol.Breakpoint
	reply chan pdbReply
}

type pdbReply struct {
	value string
	err   error
}

// pdbProcess drives python's pdb over its standard streams. One goroutine
// owns the conversation; the Process methods hand it requests.
type pdbProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	file   string
	fileID string
	log    zerolog.Logger

	tokens chan pdbToken
	reqs   chan pdbRequest
	events chan debug.Event
	done   chan struct{}
	exited atomic.Bool

	// owned by drive
	starting    bool
	paused      bool
	continuing  bool
	finished    bool
	exitCode    int
	line        int
	locFile     string
	afterLoc    bool
	heldBlank   bool
	interrupted bool
	// a SIGINT sent only to apply breakpoints, and one the user asked for
	quiet, pauseAsked bool
	applied, want     map[int]bool
}

func (p *pdbProcess) Events() <-chan debug.Event { return p.events }

func (p *pdbProcess) call(ctx context.Context, req pdbRequest) (string, error) {
	req.reply = make(chan pdbReply, 1)
	select {
	case p.reqs <- req:
	case <-p.done:
		return "", errExited
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.value, r.err
	case <-p.done:
		select {
		case r := <-req.reply:
			return r.value, r.err
		default:
			return "", errExited
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *pdbProcess) Pause() error {
	_, err := p.call(context.Background(), pdbRequest{kind: pdbPause})
	return err
}

func (p *pdbProcess) Resume(command string) error {
	_, err := p.call(context.Background(), pdbRequest{kind: pdbResume, arg: command})
	return err
}

func (p *pdbProcess) SetBreakpoints(bps []protocol.Breakpoint) error {
	_, err := p.call(context.Background(), pdbRequest{kind: pdbBreakpoints, bps: bps})
	return err
}

func (p *pdbProcess) Evaluate(ctx context.Context, expression string) (string, error) {
	if strings.ContainsAny(expression, "\r\n") {
		return "", errMultiLineWatch
	}
	return p.call(ctx, pdbRequest{kind: pdbEvaluate, arg: expression})
}

func (p *pdbProcess) Interrupt() error {
	if p.exited.Load() {
		return nil
	}
	return interruptGroup(p.cmd)
}

func (p *pdbProcess) Kill() error {
	if p.exited.Load() {
		return nil
	}
	return killGroup(p.cmd)
}

func (p *pdbProcess) drive() {
	defer close(p.done)
	for {
		select {
		case tok, ok := <-p.tokens:
			if !ok {
				p.flushBlank()
				return
			}
			p.token(tok)
		case req := <-p.reqs:
			req.reply <- p.request(req)
		}
	}
}

func (p *pdbProcess) request(req pdbRequest) pdbReply {
	running := !p.starting && !p.paused && !p.finished
	switch req.kind {
	case pdbResume:
		cmd, ok := pdbCommands[req.arg]
		if !ok {
			return pdbReply{err: fmt.Errorf("%w: %q", debug.ErrInvalidCommand, req.arg)}
		}
		if !p.paused || p.finished {
			return pdbReply{err: debug.ErrNotPaused}
		}
		p.resume(cmd)

	case pdbEvaluate:
		if !p.paused || p.finished {
			return pdbReply{err: debug.ErrNotPaused}
		}
		out, _ := p.exec("p " + req.arg)
		return pdbReply{value: strings.Join(out, "\n")}

	case pdbBreakpoints:
		p.want = breakpointLines(p.fileID, req.bps)
		switch {
		case p.paused:
			p.syncBreakpoints()
		case running && p.continuing && !p.quiet && !p.pauseAsked:
			// pdb takes commands only at a stop, so stop briefly and carry on.
			p.quiet = true
			if err := pauseGroup(p.cmd); err != nil {
				p.quiet = false
				p.log.Debug().Err(err).Msg("breakpoints wait for the next stop")
			}
		}

	case pdbPause:
		// pdb handles SIGINT only while continuing; a step stops soon anyway.
		if !running || !p.continuing {
			return pdbReply{}
		}
		p.pauseAsked = true
		if err := pauseGroup(p.cmd); err != nil {
			p.pauseAsked = false
			return pdbReply{err: err}
		}
	}
	return pdbReply{}
}

func (p *pdbProcess) token(tok pdbToken) {
	if tok.prompt {
		p.prompted()
		return
	}
	line := tok.line
	if p.finished {
		return
	}
	if p.heldBlank {
		p.heldBlank = false
		if line == pdbInterrupted {
			p.interrupted = true
			return
		}
		p.output("")
	}

	afterLoc := p.afterLoc
	p.afterLoc = false
	switch {
	case line == "":
		// pdb prefixes its interrupt notice with a newline.
		p.heldBlank = true
	case line == pdbInterrupted:
		p.interrupted = true
	case line == "--Call--" || line == "--Return--":
	case afterLoc && strings.HasPrefix(line, "-> "):
	case line == pdbFinished:
		p.end(0)
	case strings.HasPrefix(line, pdbSysExit):
		p.end(exitStatus(strings.TrimSpace(strings.TrimPrefix(line, pdbSysExit))))
	case line == pdbPostMortem:
		p.end(1)
	default:
		if m := pdbLocation.FindStringSubmatch(line); m != nil {
			p.locFile = m[1]
			p.line, _ = strconv.Atoi(m[2])
			p.afterLoc = true
			return
		}
		p.output(line)
	}
}

// exitStatus reads the status sys.exit was given, as python maps it to an
// exit code.
func exitStatus(s string) int {
	if s == "None" || s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return 1
}

// end marks the debuggee run over. pdb would restart it; every later prompt
// is answered with quit instead.
func (p *pdbProcess) end(code int) {
	p.finished = true
	p.exitCode = code
}

func (p *pdbProcess) prompted() {
	p.flushBlank()
	p.afterLoc = false
	if p.finished {
		p.write("q")
		return
	}
	if p.paused {
		return
	}

	if p.starting {
		p.starting = false
		p.paused = true
		p.syncBreakpoints()
		p.send(debug.Event{Kind: debug.EventReady})
		if p.locFile == p.file && p.applied[p.line] {
			p.stopped()
		} else {
			p.resume("c")
		}
		return
	}

	p.paused = true
	quiet := p.quiet && p.interrupted && !p.pauseAsked
	p.quiet, p.pauseAsked, p.interrupted = false, false, false
	p.syncBreakpoints()
	if quiet {
		p.resume("c")
		return
	}
	p.stopped()
}

func (p *pdbProcess) stopped() {
	ev := debug.Event{
		Kind:      debug.EventStopped,
		FileID:    p.fileFor(p.locFile),
		Line:      p.line,
		CallStack: p.where(),
		Variables: p.locals(),
	}
	p.send(ev)
}

func (p *pdbProcess) resume(cmd string) {
	p.paused = false
	p.continuing = cmd == "c"
	p.write(cmd)
}

// exec runs one command at a stop and returns what it printed.
func (p *pdbProcess) exec(cmd string) ([]string, bool) {
	p.write(cmd)
	var out []string
	for tok := range p.tokens {
		if tok.prompt {
			return out, true
		}
		out = append(out, tok.line)
	}
	return out, false
}

func (p *pdbProcess) syncBreakpoints() {
	for _, line := range sortedLines(p.applied) {
		if !p.want[line] {
			p.exec(fmt.Sprintf("cl %s:%d", p.file, line))
			delete(p.applied, line)
		}
	}
	for _, line := range sortedLines(p.want) {
		if p.applied[line] {
			continue
		}
		out, _ := p.exec(fmt.Sprintf("b %s:%d", p.file, line))
		if len(out) == 0 || !strings.HasPrefix(out[0], "Breakpoint ") {
			p.log.Debug().Int("line", line).Strs("reply", out).Msg("breakpoint not set")
		}
		// Marked either way so a line pdb refuses is not retried at every stop.
		p.applied[line] = true
	}
}

func sortedLines(set map[int]bool) []int {
	return slices.Sorted(maps.Keys(set))
}

// where returns the call stack innermost first, from the outermost frame in
// the debuggee file down; frames above it belong to pdb itself.
func (p *pdbProcess) where() []protocol.Frame {
	out, _ := p.exec("where")
	var frames []protocol.Frame
	inUser := false
	for _, line := range out {
		m := pdbFrame.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if m[1] == p.file {
			inUser = true
		}
		if !inUser {
			continue
		}
		n, _ := strconv.Atoi(m[2])
		frames = append(frames, protocol.Frame{Name: m[3], FileID: p.fileFor(m[1]), Line: n})
	}
	slices.Reverse(frames)
	return frames
}

func (p *pdbProcess) locals() map[string]string {
	out, _ := p.exec(pdbLocals)
	vars := make(map[string]string)
	for _, line := range out {
		rest, ok := strings.CutPrefix(line, pdbVarPrefix)
		if !ok {
			continue
		}
		if name, value, ok := strings.Cut(rest, "="); ok {
			vars[name] = value
		}
	}
	return vars
}

// fileFor names a frame's file the way the room does. Only the launched file
// is in the room; anything else keeps its base name.
func (p *pdbProcess) fileFor(path string) string {
	if path == p.file {
		return p.fileID
	}
	return filepath.Base(path)
}

func (p *pdbProcess) write(cmd string) {
	if _, err := io.WriteString(p.stdin, cmd+"\n"); err != nil {
		p.log.Debug().Err(err).Str("command", cmd).Msg("write to debugger")
	}
}

func (p *pdbProcess) flushBlank() {
	if p.heldBlank {
		p.heldBlank = false
		p.output("")
	}
}

func (p *pdbProcess) output(line string) {
	p.send(debug.Event{Kind: debug.EventOutput, Text: line, Stream: "stdout"})
}

func (p *pdbProcess) send(ev debug.Event) { p.events <- ev }
