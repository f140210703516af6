package room

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"collabtext/collabd/internal/debug"
	"collabtext/collabd/internal/event"
	"collabtext/collabd/internal/protocol"
	"collabtext/collabd/internal/sandbox"
	"collabtext/collabd/internal/session"
	"collabtext/collabd/internal/storage"
)

const waitFor = 2 * time.Second

type received struct {
	typ protocol.Type
	raw json.RawMessage
}

// client records every frame a session is sent.
type client struct {
	mu     sync.Mutex
	frames []received
	closed bool
}

func (c *client) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	var head struct {
		Type protocol.Type `json:"type"`
	}
	_ = json.Unmarshal(data, &head)
	c.frames = append(c.frames, received{typ: head.Type, raw: append(json.RawMessage(nil), data...)})
	return true
}

func (c *client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *client) ofType(typ protocol.Type) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []json.RawMessage
	for _, f := range c.frames {
		if f.typ == typ {
			out = append(out, f.raw)
		}
	}
	return out
}

// await waits until at least n frames of typ arrived and returns all of them.
func (c *client) await(t *testing.T, typ protocol.Type, n int) []json.RawMessage {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.ofType(typ)) >= n }, waitFor, 5*time.Millisecond,
		"waiting for %d %s frames", n, typ)
	return c.ofType(typ)
}

// awaitError waits for an error frame with code.
func (c *client) awaitError(t *testing.T, code protocol.ErrorCode) protocol.Error {
	t.Helper()
	var found protocol.Error
	require.Eventually(t, func() bool {
		for _, raw := range c.ofType(protocol.TypeError) {
			var e protocol.Error
			if json.Unmarshal(raw, &e) == nil && e.Code == code {
				found = e
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond, "waiting for error %s", code)
	return found
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func newCoordinator(t *testing.T, deps Deps) *Coordinator {
	t.Helper()
	c := New(Config{
		GracePeriod:   30 * time.Millisecond,
		FlushInterval: 10 * time.Millisecond,
		ChatHistory:   3,
		Debug:         debug.Config{StopGrace: 50 * time.Millisecond},
	}, deps)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func memFiles(t *testing.T, roomID string, files map[string]string) storage.FileStore {
	t.Helper()
	fs := storage.NewFS(afero.NewMemMapFs(), "/rooms")
	for p, content := range files {
		require.NoError(t, fs.Write(context.Background(), roomID, p, content))
	}
	return fs
}

func join(t *testing.T, c *Coordinator, roomID, participant string) (*session.Session, *client) {
	t.Helper()
	cl := &client{}
	s, err := c.Join(roomID, participant, cl)
	require.NoError(t, err)
	cl.await(t, protocol.TypeRoomState, 1)
	return s, cl
}

func send(c *Coordinator, s *session.Session, typ protocol.Type, payload any) {
	c.Handle(context.Background(), s, protocol.MustEncode(typ, payload))
}

// settle waits until everything queued on the room so far has run.
func settle(t *testing.T, c *Coordinator, roomID string) {
	t.Helper()
	r := c.room(roomID)
	require.NotNil(t, r)
	done := make(chan struct{})
	require.True(t, r.Post(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("room did not settle")
	}
}

// fakeProcess is a debuggee driven by the test.
type fakeProcess struct {
	events chan debug.Event
	once   sync.Once
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{events: make(chan debug.Event, 16)}
	p.events <- debug.Event{Kind: debug.EventReady}
	return p
}

func (p *fakeProcess) Events() <-chan debug.Event { return p.events }
func (p *fakeProcess) Pause() error { return nil }
func (p *fakeProcess) Resume(string) error { return nil }
func (p *fakeProcess) SetBreakpoints([]protocol.Breakpoint) error { return nil }
func (p *fakeProcess) Evaluate(context.Context, string) (string, error) { return "42", nil }

func (p *fakeProcess) Interrupt() error {
	p.exit(0)
	return nil
}

func (p *fakeProcess) Kill() error {
	p.exit(-9)
	return nil
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.events <- debug.Event{Kind: debug.EventExited, ExitCode: code}
		close(p.events)
	})
}

type fakeLauncher struct {
	mu       sync.Mutex
	procs    []*fakeProcess
	requests []debug.LaunchRequest
}

func (l *fakeLauncher) Launch(_ context.Context, req debug.LaunchRequest) (debug.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := newFakeProcess()
	l.procs = append(l.procs, p)
	l.requests = append(l.requests, req)
	return p, nil
}

func (l *fakeLauncher) last(t *testing.T) (*fakeProcess, debug.LaunchRequest) {
	t.Helper()
	var p *fakeProcess
	var req debug.LaunchRequest
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		if len(l.procs) == 0 {
			return false
		}
		p, req = l.procs[len(l.procs)-1], l.requests[len(l.requests)-1]
		return true
	}, waitFor, 5*time.Millisecond)
	return p, req
}

type fakeExecutor struct {
	result sandbox.Result
	err    error
}

func (e fakeExecutor) Execute(context.Context, string, string) (sandbox.Result, error) {
	return e.result, e.err
}

// fakeTools upper-cases on format. When gate is set, Format waits for it.
type fakeTools struct {
	gate   chan struct{}
	issues []protocol.Issue
}

func (f *fakeTools) Format(ctx context.Context, _, code, _ string) (string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return strings.ToUpper(code), nil
}

func (f *fakeTools) Lint(context.Context, string, string, string) ([]protocol.Issue, error) {
	return f.issues, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *recordingPublisher) Publish(ev event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) kinds() []event.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.Kind, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Kind)
	}
	return out
}
