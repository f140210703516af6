// Package debug owns the single run/debug process a room may have and drives
// its state machine.
package debug

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"collabtext/collabd/internal/protocol"
)

type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateTerminated State = "terminated"
)

var (
	ErrConflict       = errors.New("debug: a debug session is already active")
	ErrNoSession      = errors.New("debug: no debug session")
	ErrNotPaused      = errors.New("debug: not paused")
	ErrInvalidState   = errors.New("debug: command not valid in current state")
	ErrInvalidCommand = errors.New("debug: unknown command")
	ErrUnsupported    = errors.New("debug: not supported by this process")
	ErrLaunch         = errors.New("debug: process launch failed")
)

// Host is the room a Manager belongs to.
type Host interface {
	// Post queues fn on the room's sequencing goroutine. It reports false if
	// the room has shut down.
	Post(fn func()) bool
	// Broadcast sends a frame to every session in the room. It is only
	// called from the sequencing goroutine.
	Broadcast(t protocol.Type, payload any)
	// FileLines reports the line count and sequence number of a file.
	FileLines(fileID string) (lines int, seq int64, ok bool)
	// DebugReleased is called once the process has gone and the room no
	// longer holds a debug session.
	DebugReleased()
}

type Config struct {
	StopGrace     time.Duration
	LaunchTimeout time.Duration
	Logger        zerolog.Logger
	// OnTransition, when set, observes every state change.
	OnTransition func(State)
}

type frame struct {
	fileID string
	line   int
	seq    int64
	stale  bool
}

type session struct {
	state    State
	fileID   string
	language string

	proc   Process
	cancel context.CancelFunc

	frame     *frame
	variables map[string]string
	callStack []protocol.Frame

	stopping bool
	forced   bool
	exited   chan struct{}
}

// Manager is driven from the room's sequencing goroutine. Only Snapshot,
// Variables, Evaluate and Active may be called from elsewhere.
type Manager struct {
	host     Host
	launcher Launcher
	cfg      Config
	log      zerolog.Logger

	mu          sync.RWMutex
	sess        *session
	breakpoints breakpointSet
}

func NewManager(host Host, launcher Launcher, cfg Config) *Manager {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	return &Manager{
		host:     host,
		launcher: launcher,
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "debug").Logger(),
	}
}

// Active reports whether the room holds a debug session, including one that
// has been stopped but whose process has not exited yet.
func (m *Manager) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sess != nil
}

// Snapshot returns the current debug state as broadcast to clients.
func (m *Manager) Snapshot() protocol.DebugState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateLocked()
}

func (m *Manager) Breakpoints() []protocol.Breakpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breakpoints.snapshot()
}

func (m *Manager) stateLocked() protocol.DebugState {
	s := m.sess
	if s == nil {
		return protocol.DebugState{State: string(StateStopped), Variables: map[string]string{}, CallStack: []protocol.Frame{}}
	}
	st := protocol.DebugState{
		State:     string(s.state),
		FileID:    s.fileID,
		Variables: copyVars(s.variables),
		CallStack: []protocol.Frame{},
	}
	if s.state == StatePaused && s.frame != nil {
		st.FileID = s.frame.fileID
		if s.frame.stale {
			st.Stale = true
		} else {
			line := s.frame.line
			st.CurrentLine = &line
			st.CallStack = append(st.CallStack, s.callStack...)
		}
	}
	return st
}

// set changes state and broadcasts the result. Callers hold no lock.
func (m *Manager) set(s *session, state State) {
	m.mu.Lock()
	s.state = state
	if state != StatePaused {
		s.frame = nil
	}
	st := m.stateLocked()
	m.mu.Unlock()

	m.log.Debug().Str("state", string(state)).Msg("debug transition")
	if m.cfg.OnTransition != nil {
		m.cfg.OnTransition(state)
	}
	m.host.Broadcast(protocol.TypeDebugState, st)
}

func (m *Manager) broadcastState() {
	m.host.Broadcast(protocol.TypeDebugState, m.Snapshot())
}

// Start launches a new debug session. It fails with ErrConflict while any
// session exists; the request is not queued.
func (m *Manager) Start(req LaunchRequest) error {
	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return ErrConflict
	}
	if req.Breakpoints != nil {
		m.breakpoints.replace(req.Breakpoints)
	}
	req.Breakpoints = m.breakpoints.snapshot()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LaunchTimeout)
	s := &session{
		fileID:    req.FileID,
		language:  req.Language,
		cancel:    cancel,
		variables: map[string]string{},
		exited:    make(chan struct{}),
	}
	m.sess = s
	m.mu.Unlock()

	m.set(s, StateStarting)

	go func() {
		proc, err := m.launcher.Launch(ctx, req)
		cancel()
		if !m.host.Post(func() { m.launched(s, proc, err) }) && proc != nil {
			_ = proc.Kill()
		}
	}()
	return nil
}

func (m *Manager) launched(s *session, proc Process, err error) {
	if m.sess != s {
		if proc != nil {
			_ = proc.Kill()
		}
		return
	}
	if err != nil {
		if s.stopping {
			m.release(s, protocol.DebugTerminated{ExitCode: -1})
			return
		}
		m.log.Warn().Err(err).Str("language", s.language).Msg("debug launch failed")
		m.host.Broadcast(protocol.TypeError, protocol.Error{
			Code:    protocol.CodeLaunchFailure,
			Message: fmt.Sprintf("%v: %v", ErrLaunch, err),
		})
		m.set(s, StateTerminated)
		m.release(s, protocol.DebugTerminated{ExitCode: -1})
		return
	}

	m.mu.Lock()
	s.proc = proc
	m.mu.Unlock()

	go m.pump(s, proc)
	if s.stopping {
		go m.shutdown(s, proc)
	}
}

// pump feeds process events into the room's sequencing goroutine.
func (m *Manager) pump(s *session, proc Process) {
	exited := false
	for ev := range proc.Events() {
		ev := ev
		if ev.Kind == EventExited {
			exited = true
		}
		m.host.Post(func() { m.handle(s, ev) })
	}
	if !exited {
		m.host.Post(func() { m.handle(s, Event{Kind: EventExited, ExitCode: -1}) })
	}
}

func (m *Manager) handle(s *session, ev Event) {
	if m.sess != s {
		return
	}
	switch ev.Kind {
	case EventReady:
		if s.state == StateStarting {
			m.set(s, StateRunning)
		}

	case EventStopped:
		if s.state != StateRunning && s.state != StateStarting {
			return
		}
		m.paused(s, ev)

	case EventOutput:
		m.host.Broadcast(protocol.TypeDebugOutput, protocol.DebugOutput{Text: ev.Text, Stream: ev.Stream})

	case EventExited:
		if ev.Err != nil {
			m.log.Debug().Err(ev.Err).Int("exit_code", ev.ExitCode).Msg("debuggee exited")
		}
		if !s.stopping {
			m.set(s, StateTerminated)
		}
		m.release(s, protocol.DebugTerminated{ExitCode: ev.ExitCode, Forced: s.forced})
	}
}

func (m *Manager) paused(s *session, ev Event) {
	f := &frame{fileID: ev.FileID, line: ev.Line}
	if f.fileID == "" {
		f.fileID = s.fileID
	}
	lines, seq, ok := m.host.FileLines(f.fileID)
	f.seq = seq
	f.stale = !ok || f.line < 1 || f.line > lines

	m.mu.Lock()
	s.frame = f
	s.callStack = append([]protocol.Frame(nil), ev.CallStack...)
	// Most recently fetched values win.
	for name, value := range ev.Variables {
		s.variables[name] = value
	}
	m.mu.Unlock()

	if f.stale {
		m.staleError(f)
	}
	m.set(s, StatePaused)
}

func (m *Manager) staleError(f *frame) {
	m.host.Broadcast(protocol.TypeError, protocol.Error{
		Code:    protocol.CodeStaleFrame,
		Message: fmt.Sprintf("paused location %s:%d no longer matches the document; step or continue to refresh", f.fileID, f.line),
	})
}

// release discards the session once its process is gone.
func (m *Manager) release(s *session, confirm protocol.DebugTerminated) {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	m.mu.Unlock()

	close(s.exited)
	s.cancel()
	m.host.Broadcast(protocol.TypeDebugTerminated, confirm)
	m.host.DebugReleased()
}

// Stop reports terminated at once and shuts the process down in the
// background.
func (m *Manager) Stop() error {
	s := m.sess
	if s == nil {
		return ErrNoSession
	}
	if s.stopping {
		return nil
	}
	s.stopping = true
	m.set(s, StateTerminated)

	if s.proc == nil {
		// Still launching; launched finishes the shutdown.
		s.cancel()
		return nil
	}
	go m.shutdown(s, s.proc)
	return nil
}

// shutdown interrupts the process, then kills it once the grace period runs
// out. A process that survives the kill is abandoned after another grace
// period so the room is not held forever.
func (m *Manager) shutdown(s *session, proc Process) {
	if err := proc.Interrupt(); err != nil {
		m.log.Debug().Err(err).Msg("interrupt debuggee")
	}
	timer := time.NewTimer(m.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-s.exited:
		return
	case <-timer.C:
	}

	m.host.Post(func() { s.forced = true })
	if err := proc.Kill(); err != nil {
		m.log.Warn().Err(err).Msg("kill debuggee")
	}

	timer.Reset(m.cfg.StopGrace)
	select {
	case <-s.exited:
	case <-timer.C:
		m.log.Error().Msg("debuggee did not exit after kill, abandoning it")
		m.host.Post(func() { m.release(s, protocol.DebugTerminated{ExitCode: -1, Forced: true}) })
	}
}

// Command applies a debug_command.
func (m *Manager) Command(command string) error {
	s := m.sess
	if s == nil || s.stopping {
		return ErrNoSession
	}
	switch command {
	case protocol.CommandStop:
		return m.Stop()

	case protocol.CommandPause:
		if s.state != StateRunning {
			return ErrInvalidState
		}
		return s.proc.Pause()

	case protocol.CommandContinue, protocol.CommandStepOver, protocol.CommandStepInto, protocol.CommandStepOut:
		if s.state != StatePaused {
			return ErrNotPaused
		}
		if err := s.proc.Resume(command); err != nil {
			return err
		}
		m.set(s, StateRunning)
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidCommand, command)
}

// ToggleBreakpoint adds or removes one breakpoint. It reports whether the set
// changed.
func (m *Manager) ToggleBreakpoint(bp protocol.Breakpoint, enabled bool) (bool, error) {
	m.mu.Lock()
	var changed bool
	if enabled {
		changed = m.breakpoints.add(bp)
	} else {
		changed = m.breakpoints.remove(bp)
	}
	m.mu.Unlock()
	if !changed {
		return false, nil
	}
	return true, m.pushBreakpoints()
}

// SetBreakpoints replaces the room's breakpoints.
func (m *Manager) SetBreakpoints(bps []protocol.Breakpoint) error {
	m.mu.Lock()
	m.breakpoints.replace(bps)
	m.mu.Unlock()
	return m.pushBreakpoints()
}

// pushBreakpoints hands the current set to a live process. The state does not
// change.
func (m *Manager) pushBreakpoints() error {
	s := m.sess
	if s == nil || s.proc == nil || s.stopping {
		return nil
	}
	return s.proc.SetBreakpoints(m.Breakpoints())
}

// FileRenamed keeps breakpoints and the paused frame attached to a renamed
// file.
func (m *Manager) FileRenamed(from, to string) {
	m.mu.Lock()
	m.breakpoints.renameFile(from, to)
	if s := m.sess; s != nil {
		if s.fileID == from {
			s.fileID = to
		}
		if s.frame != nil && s.frame.fileID == from {
			s.frame.fileID = to
		}
	}
	m.mu.Unlock()
}

// FileRemoved drops the file's breakpoints and invalidates a frame in it.
func (m *Manager) FileRemoved(fileID string) {
	m.mu.Lock()
	m.breakpoints.dropFile(fileID)
	m.mu.Unlock()
	m.DocumentChanged(fileID, -1)
}

// DocumentChanged is called after an edit to fileID is accepted at seq. A
// paused frame in that file captured at another seq becomes stale.
func (m *Manager) DocumentChanged(fileID string, seq int64) {
	s := m.sess
	if s == nil || s.state != StatePaused {
		return
	}
	f := s.frame
	if f == nil || f.stale || f.fileID != fileID || f.seq == seq {
		return
	}
	m.mu.Lock()
	f.stale = true
	m.mu.Unlock()

	m.staleError(f)
	m.broadcastState()
}

// Variables returns the paused frame's variables and call stack. It never
// waits for a pause.
func (m *Manager) Variables() (protocol.DebugVariables, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sess
	if s == nil {
		return protocol.DebugVariables{}, ErrNoSession
	}
	if s.state != StatePaused {
		return protocol.DebugVariables{}, ErrNotPaused
	}
	return protocol.DebugVariables{
		Variables: copyVars(s.variables),
		CallStack: append([]protocol.Frame{}, s.callStack...),
	}, nil
}

// Evaluate evaluates a watch expression in the paused frame.
func (m *Manager) Evaluate(ctx context.Context, expression string) (string, error) {
	m.mu.RLock()
	s := m.sess
	if s == nil {
		m.mu.RUnlock()
		return "", ErrNoSession
	}
	if s.state != StatePaused || s.proc == nil {
		m.mu.RUnlock()
		return "", ErrNotPaused
	}
	proc := s.proc
	m.mu.RUnlock()

	return proc.Evaluate(ctx, expression)
}

// Shutdown kills any live process without waiting. Used when the room is
// destroyed.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	s := m.sess
	m.sess = nil
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	if s.proc != nil {
		_ = s.proc.Kill()
	}
}

func copyVars(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
