// Package room coordinates collaborative rooms. Each room runs one goroutine
// that applies every mutation in order and fans the results out to the
// room's sessions.
package room

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"collabtext/collabd/internal/codetools"
	"collabtext/collabd/internal/debug"
	"collabtext/collabd/internal/document"
	"collabtext/collabd/internal/event"
	"collabtext/collabd/internal/metrics"
	"collabtext/collabd/internal/protocol"
	"collabtext/collabd/internal/sandbox"
	"collabtext/collabd/internal/session"
	"collabtext/collabd/internal/storage"
)

var ErrClosed = errors.New("room: coordinator closed")

type Config struct {
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	ChatHistory     int           `mapstructure:"chat_history"`
	MailboxSize     int           `mapstructure:"mailbox_size"`
	DefaultLanguage string        `mapstructure:"default_language"`

	// Debug is passed to every room's debug manager.
	Debug debug.Config `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		GracePeriod:     30 * time.Second,
		FlushInterval:   5 * time.Second,
		ChatHistory:     50,
		MailboxSize:     256,
		DefaultLanguage: "python",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.GracePeriod <= 0 {
		c.GracePeriod = def.GracePeriod
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.ChatHistory <= 0 {
		c.ChatHistory = def.ChatHistory
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = def.MailboxSize
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = def.DefaultLanguage
	}
	return c
}

// Executor runs code to completion for run_code.
type Executor interface {
	Execute(ctx context.Context, code, language string) (sandbox.Result, error)
}

// Tools formats and lints source for format_request and lint_request.
type Tools interface {
	Format(ctx context.Context, fileID, code, language string) (string, error)
	Lint(ctx context.Context, fileID, code, language string) ([]protocol.Issue, error)
}

// Publisher receives room lifecycle events and every broadcast frame.
type Publisher interface {
	Publish(ev event.Event) error
}

// Deps are the collaborators a Coordinator talks to. Any of them may be nil
// except Logger, which defaults to a disabled logger; the matching features
// then report unsupported.
type Deps struct {
	Files    storage.FileStore
	Launcher debug.Launcher
	Executor Executor
	Tools    Tools
	Events   Publisher
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Summary describes a live room for the HTTP API.
type Summary struct {
	ID       string   `json:"id"`
	Sessions int      `json:"sessions"`
	Files    []string `json:"files"`
	Language string   `json:"language"`
	Debug    string   `json:"debug"`
}

// Coordinator is the hub of rooms.
type Coordinator struct {
	cfg      Config
	deps     Deps
	log      zerolog.Logger
	tracer   trace.Tracer
	docs     *document.Store
	sessions *session.Registry

	mu      sync.Mutex
	closed  bool
	rooms   map[string]*Room
	closing map[string]*Room
	wg      sync.WaitGroup
}

func New(cfg Config, deps Deps, opts ...session.Option) *Coordinator {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		log:      deps.Logger.With().Str("component", "room").Logger(),
		tracer:   otel.Tracer("collabtext/collabd/room"),
		docs:     document.NewStore(),
		sessions: session.NewRegistry(opts...),
		rooms:    make(map[string]*Room),
		closing:  make(map[string]*Room),
	}
}

// Sessions exposes the registry the coordinator tracks connections in.
func (c *Coordinator) Sessions() *session.Registry { return c.sessions }

// Join registers a connection in roomID, creating the room if needed. The
// session receives room_state before any later delta.
func (c *Coordinator) Join(roomID, participantID string, sender session.Sender) (*session.Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &Error{RoomID: roomID, Op: "join", Err: ErrClosed}
	}
	r := c.rooms[roomID]
	if r == nil {
		r = c.openLocked(roomID)
	}
	r.cancelReapLocked()
	s := c.sessions.Join(roomID, participantID, sender)
	c.mu.Unlock()

	c.deps.Metrics.Sessions.Inc()
	if !r.Post(func() { r.join(s) }) {
		c.sessions.Leave(s.ID)
		c.deps.Metrics.Sessions.Dec()
		return nil, &Error{RoomID: roomID, Op: "join", Err: ErrClosed}
	}
	return s, nil
}

func (c *Coordinator) openLocked(roomID string) *Room {
	r := newRoom(c, roomID, c.closing[roomID])
	c.rooms[roomID] = r
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		r.run()
	}()

	c.deps.Metrics.Rooms.Inc()
	c.publish(event.Event{Kind: event.RoomCreated, RoomID: roomID})
	c.log.Info().Str("room", roomID).Msg("room created")
	return r
}

// Leave removes a session and closes its connection. It is safe to call more
// than once.
func (c *Coordinator) Leave(sessionID string) {
	s := c.sessions.Leave(sessionID)
	if s == nil {
		return
	}
	c.deps.Metrics.Sessions.Dec()
	s.Close()

	if r := c.room(s.RoomID); r != nil {
		r.Post(func() { r.leave(s) })
	}
}

// Handle dispatches one inbound frame from s. Variable and evaluate queries
// are answered on the calling goroutine; everything else is queued on the
// room.
func (c *Coordinator) Handle(ctx context.Context, s *session.Session, data []byte) {
	_ = c.sessions.Touch(s.ID)

	in, err := protocol.Decode(data)
	if err != nil {
		s.Send(protocol.ErrorFrame(protocol.CodeMalformed, err.Error()))
		return
	}
	r := c.room(s.RoomID)
	if r == nil {
		return
	}

	switch in.Type {
	case protocol.TypeDebugVariables, protocol.TypeDebugEvaluate:
		r.query(ctx, s, in)
		return
	}
	received := time.Now()
	r.Post(func() { r.dispatch(s, in, received) })
}

// Run expires idle sessions until ctx is done.
func (c *Coordinator) Run(ctx context.Context, idle time.Duration) {
	every := idle / 4
	if every <= 0 {
		every = time.Second
	}
	c.sessions.Run(ctx, idle, every, func(s *session.Session) {
		s.Send(protocol.ErrorFrame(protocol.CodeSessionTimeout, "session idle for more than "+idle.String()))
		c.deps.Metrics.SessionTimeouts.Inc()
		c.log.Info().Str("room", s.RoomID).Str("session", s.ID).Msg("session timed out")
		c.Leave(s.ID)
	})
}

func (c *Coordinator) room(roomID string) *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[roomID]
}

func (c *Coordinator) scheduleReap(r *Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.rooms[r.id] != r {
		return
	}
	r.cancelReapLocked()
	r.reap = time.AfterFunc(c.cfg.GracePeriod, func() { c.tryDestroy(r) })
}

// tryDestroy tears r down if nothing references it any more.
func (c *Coordinator) tryDestroy(r *Room) {
	c.mu.Lock()
	if c.rooms[r.id] != r || c.sessions.Count(r.id) > 0 || r.debug.Active() {
		c.mu.Unlock()
		return
	}
	delete(c.rooms, r.id)
	c.closing[r.id] = r
	c.mu.Unlock()

	r.stop()

	c.mu.Lock()
	if c.closing[r.id] == r {
		delete(c.closing, r.id)
	}
	c.mu.Unlock()
}

// Rooms summarizes the live rooms, sorted by id.
func (c *Coordinator) Rooms() []Summary {
	c.mu.Lock()
	rooms := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	out := make([]Summary, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, Summary{
			ID:       r.id,
			Sessions: c.sessions.Count(r.id),
			Files:    c.docs.FileIDs(r.id),
			Language: r.Language(),
			Debug:    r.debug.Snapshot().State,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown flushes and stops every room. Connections are closed.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	rooms := make([]*Room, 0, len(c.rooms))
	for id, r := range c.rooms {
		r.cancelReapLocked()
		rooms = append(rooms, r)
		delete(c.rooms, id)
	}
	c.mu.Unlock()

	for _, r := range rooms {
		for _, s := range c.sessions.ListActive(r.id) {
			c.sessions.Leave(s.ID)
			c.deps.Metrics.Sessions.Dec()
			s.Close()
		}
		go r.stop()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) publish(ev event.Event) {
	if c.deps.Events == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if err := c.deps.Events.Publish(ev); err != nil && !errors.Is(err, event.ErrClosed) {
		c.log.Warn().Err(err).Str("room", ev.RoomID).Msg("publish room event")
	}
}

// languageFor guesses a file's language from its extension.
func languageFor(fileID, fallback string) string {
	switch strings.ToLower(path.Ext(fileID)) {
	case ".py":
		return "python"
	case ".js", ".mjs":
		return "javascript"
	case ".java":
		return "java"
	case ".cpp", ".cc", ".cxx", ".hpp":
		return "cpp"
	}
	return fallback
}

var _ Tools = (*codetools.Runner)(nil)
var _ Executor = (*sandbox.Executor)(nil)
