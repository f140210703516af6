package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"collabtext/collabd/internal/debug"
	"collabtext/collabd/internal/protocol"
)

const maxLine = 1 << 20

// Launch starts code as a debug process. Languages with a debugger configured
// run under it; the rest have none attached: the process reports ready once
// started, streams its output line by line and cannot be paused or stepped.
func (e *Executor) Launch(ctx context.Context, req debug.LaunchRequest) (debug.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lang, ws, err := e.prepare(req.Code, req.Language)
	if err != nil {
		return nil, err
	}
	switch lang.Debugger {
	case "":
	case DebuggerPDB:
		return e.launchPDB(ctx, req, lang, ws)
	default:
		ws.remove()
		return nil, fmt.Errorf("%w: debugger %q", ErrUnsupportedLanguage, lang.Debugger)
	}

	args := e.argv(lang.Command, lang, ws)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = ws.dir
	setProcessGroup(cmd)

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
		return nil, fmt.Errorf("sandbox: start %s: %w", req.Language, err)
	}
	if err := ctx.Err(); err != nil {
		_ = killGroup(cmd)
		_ = cmd.Wait()
		ws.remove()
		return nil, err
	}

	p := &process{
		cmd:    cmd,
		events: make(chan debug.Event, 64),
	}
	p.events <- debug.Event{Kind: debug.EventReady}

	var readers sync.WaitGroup
	readers.Add(2)
	go p.stream(&readers, stdout, "stdout")
	go p.stream(&readers, stderr, "stderr")

	timeout := time.AfterFunc(e.cfg.Timeout, func() {
		e.log.Info().Str("room", req.RoomID).Dur("timeout", e.cfg.Timeout).Msg("debug run timed out")
		p.output("stderr", fmt.Sprintf("(execution timed out after %v)", e.cfg.Timeout))
		_ = p.Kill()
	})

	go func() {
		readers.Wait()
		err := cmd.Wait()
		timeout.Stop()
		ws.remove()

		code := 0
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = nil
		}
		p.mu.Lock()
		p.done = true
		p.events <- debug.Event{Kind: debug.EventExited, ExitCode: code, Err: err}
		close(p.events)
		p.mu.Unlock()
	}()
	return p, nil
}

type process struct {
	cmd    *exec.Cmd
	events chan debug.Event

	mu   sync.Mutex
	done bool
}

func (p *process) Events() <-chan debug.Event { return p.events }

func (p *process) stream(wg *sync.WaitGroup, r io.Reader, name string) {
	defer wg.Done()
	scanLines(r, func(line string) { p.output(name, line) })
}

func scanLines(r io.Reader, emit func(line string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		emit(sc.Text())
	}
	// Drain anything past an over-long line so the process does not block.
	_, _ = io.Copy(io.Discard, r)
}

func (p *process) output(stream, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.events <- debug.Event{Kind: debug.EventOutput, Text: text, Stream: stream}
}

func (p *process) Pause() error { return debug.ErrUnsupported }

func (p *process) Resume(string) error { return debug.ErrUnsupported }

// SetBreakpoints is accepted and ignored; plain runs do not stop.
func (p *process) SetBreakpoints([]protocol.Breakpoint) error { return nil }

func (p *process) Evaluate(context.Context, string) (string, error) {
	return "", debug.ErrUnsupported
}

func (p *process) exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *process) Interrupt() error {
	if p.exited() {
		return nil
	}
	return interruptGroup(p.cmd)
}

func (p *process) Kill() error {
	if p.exited() {
		return nil
	}
	return killGroup(p.cmd)
}
