package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Result of a one-shot run.
type Result struct {
	Output   string
	Error    string
	ExitCode int
	TimedOut bool
}

// Execute runs code to completion, or until the configured timeout, and
// returns what it printed.
func (e *Executor) Execute(ctx context.Context, code, language string) (Result, error) {
	lang, ws, err := e.prepare(code, language)
	if err != nil {
		return Result{}, err
	}
	defer ws.remove()

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	args := e.argv(lang.Command, lang, ws)
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = ws.dir
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	res := Result{
		Output:   stdout.String(),
		Error:    stderr.String(),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if res.TimedOut {
		res.Error += fmt.Sprintf("\n(execution timed out after %v)", e.cfg.Timeout)
		return res, nil
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return res, fmt.Errorf("sandbox: run %s: %w", language, err)
	}
	e.log.Debug().Str("language", language).Int("exit_code", res.ExitCode).Msg("run finished")
	return res, nil
}
