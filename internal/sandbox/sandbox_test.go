package sandbox

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/collabd/internal/debug"
)

func shellExecutor(t *testing.T, timeout time.Duration) *Executor {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	return New(Config{
		Timeout: timeout,
		TempDir: t.TempDir(),
		Languages: map[string]Language{
			"shell": {Command: []string{"sh", "{file}"}, File: "main.sh"},
		},
	}, zerolog.Nop())
}

func TestExecute(t *testing.T) {
	e := shellExecutor(t, 5*time.Second)

	res, err := e.Execute(context.Background(), "echo hello\necho oops >&2\nexit 3\n", "shell")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Output)
	assert.Equal(t, "oops\n", res.Error)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.TimedOut)
}

func TestExecuteTimeout(t *testing.T) {
	e := shellExecutor(t, 100*time.Millisecond)

	start := time.Now()
	res, err := e.Execute(context.Background(), "sleep 5\n", "shell")
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Contains(t, res.Error, "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecuteUnsupportedLanguage(t *testing.T) {
	e := shellExecutor(t, time.Second)
	_, err := e.Execute(context.Background(), "", "cobol")
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestArgvDocker(t *testing.T) {
	e := New(Config{Docker: true, Languages: DefaultLanguages()}, zerolog.Nop())
	ws := workspace{dir: "/tmp/run1", file: "/tmp/run1/main.py"}

	python := e.cfg.Languages["python"]
	args := e.argv(python.Command, python, ws)
	assert.Equal(t, []string{
		"docker", "run", "--rm", "-i",
		"--network", "none",
		"--cpus", "0.25",
		"-v", "/tmp/run1:/code",
		"-w", "/code",
		"--memory", "100m",
		"python:3.9-slim",
		"python3", "/code/main.py",
	}, args)

	lang := e.cfg.Languages["cpp"]
	cpp := e.argv(lang.Command, lang, workspace{dir: "/tmp/run2", file: "/tmp/run2/main.cpp"})
	assert.Equal(t, "g++ -o /code/program /code/main.cpp && /code/program", cpp[len(cpp)-1])

	dbg := e.argv(python.DebugCommand, python, ws)
	assert.Equal(t, []string{"python3", "-u", "-m", "pdb", "/code/main.py"}, dbg[len(dbg)-5:])
}

func collect(t *testing.T, p debug.Process) []debug.Event {
	t.Helper()
	var events []debug.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("process did not exit")
		}
	}
}

func TestLaunchStreamsOutput(t *testing.T) {
	e := shellExecutor(t, 5*time.Second)

	p, err := e.Launch(context.Background(), debug.LaunchRequest{Code: "echo one\necho two\nexit 2\n", Language: "shell"})
	require.NoError(t, err)
	events := collect(t, p)

	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, debug.EventReady, events[0].Kind)
	var lines []string
	for _, ev := range events[1 : len(events)-1] {
		require.Equal(t, debug.EventOutput, ev.Kind)
		lines = append(lines, ev.Text)
	}
	assert.Equal(t, []string{"one", "two"}, lines)

	last := events[len(events)-1]
	assert.Equal(t, debug.EventExited, last.Kind)
	assert.Equal(t, 2, last.ExitCode)

	assert.ErrorIs(t, p.Pause(), debug.ErrUnsupported)
	assert.ErrorIs(t, p.Resume("continue"), debug.ErrUnsupported)
}

func TestLaunchInterrupt(t *testing.T) {
	e := shellExecutor(t, 10*time.Second)

	p, err := e.Launch(context.Background(), debug.LaunchRequest{Code: "echo started\nsleep 30\n", Language: "shell"})
	require.NoError(t, err)

	ready := <-p.Events()
	require.Equal(t, debug.EventReady, ready.Kind)
	first := <-p.Events()
	require.Equal(t, "started", strings.TrimSpace(first.Text))

	require.NoError(t, p.Interrupt())
	events := collect(t, p)
	require.NotEmpty(t, events)
	assert.Equal(t, debug.EventExited, events[len(events)-1].Kind)
	assert.NotEqual(t, 0, events[len(events)-1].ExitCode)
}

func TestLaunchCancelledContext(t *testing.T) {
	e := shellExecutor(t, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Launch(ctx, debug.LaunchRequest{Code: "true\n", Language: "shell"})
	assert.ErrorIs(t, err, context.Canceled)
}
