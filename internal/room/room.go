package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"collabtext/collabd/internal/debug"
	"collabtext/collabd/internal/document"
	"collabtext/collabd/internal/event"
	"collabtext/collabd/internal/metrics"
	"collabtext/collabd/internal/protocol"
	"collabtext/collabd/internal/reconcile"
	"collabtext/collabd/internal/session"
	"collabtext/collabd/internal/storage"
)

// batch is one round of pending persistence work.
type batch struct {
	writes  map[string]string
	deletes []string
}

// Room is one live collaboration space. All fields below the mailbox are owned
// by the room goroutine unless noted.
type Room struct {
	id  string
	c   *Coordinator
	log zerolog.Logger

	// prev is an earlier room with the same id that is still shutting down.
	prev *Room

	mailbox  chan func()
	quit     chan struct{}
	quitOnce sync.Once
	stopped  chan struct{}

	persist   chan batch
	persisted chan struct{}

	// reap is guarded by the coordinator's mutex.
	reap *time.Timer

	rec   *reconcile.Reconciler
	debug *debug.Manager

	dirty   map[string]bool
	deleted map[string]bool
	chat    []protocol.ChatMessage

	mu       sync.RWMutex
	language string
}

func newRoom(c *Coordinator, id string, prev *Room) *Room {
	r := &Room{
		id:        id,
		c:         c,
		log:       c.log.With().Str("room", id).Logger(),
		prev:      prev,
		mailbox:   make(chan func(), c.cfg.MailboxSize),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		persist:   make(chan batch, 16),
		persisted: make(chan struct{}),
		rec:       reconcile.New(c.docs, id),
		dirty:     make(map[string]bool),
		deleted:   make(map[string]bool),
		language:  c.cfg.DefaultLanguage,
	}

	dcfg := c.cfg.Debug
	dcfg.Logger = r.log
	transitions := c.deps.Metrics.DebugTransitions
	dcfg.OnTransition = func(s debug.State) { transitions.WithLabelValues(string(s)).Inc() }
	r.debug = debug.NewManager(r, c.deps.Launcher, dcfg)
	return r
}

func (r *Room) ID() string { return r.id }

func (r *Room) Language() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.language
}

func (r *Room) setLanguage(lang string) {
	r.mu.Lock()
	r.language = lang
	r.mu.Unlock()
}

// Post queues fn on the room goroutine. It reports false once the room has
// begun shutting down.
func (r *Room) Post(fn func()) bool {
	select {
	case <-r.quit:
		return false
	default:
	}
	select {
	case r.mailbox <- fn:
		return true
	case <-r.quit:
		return false
	}
}

func (r *Room) run() {
	defer close(r.stopped)

	if r.prev != nil {
		<-r.prev.stopped
		r.prev = nil
	}
	go r.persister()
	r.load()

	ticker := time.NewTicker(r.c.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case fn := <-r.mailbox:
			fn()
		case <-ticker.C:
			r.flush()
		case <-r.quit:
			r.shutdown()
			return
		}
	}
}

// stop shuts the room down and waits until its files are persisted.
func (r *Room) stop() {
	r.quitOnce.Do(func() { close(r.quit) })
	<-r.stopped
}

func (r *Room) shutdown() {
	// Work queued before quit still runs; late process events find no
	// session and kill their process.
	r.debug.Shutdown()
drain:
	for {
		select {
		case fn := <-r.mailbox:
			fn()
		default:
			break drain
		}
	}

	r.flush()
	close(r.persist)
	<-r.persisted

	r.c.docs.DropRoom(r.id)
	r.c.sessions.Prune(r.id)
	r.c.deps.Metrics.Rooms.Dec()
	r.c.publish(event.Event{Kind: event.RoomDestroyed, RoomID: r.id})
	r.log.Info().Msg("room destroyed")
}

func (r *Room) load() {
	files := r.c.deps.Files
	if files == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var loaded map[string]string
	err := backoff.Retry(func() error {
		var err error
		loaded, err = storage.LoadRoom(ctx, files, r.id)
		return err
	}, storage.NewRetry(ctx, 3))
	if err != nil {
		r.log.Error().Err(&Error{RoomID: r.id, Op: "load", Err: err}).Msg("starting room empty")
		return
	}
	r.c.docs.LoadRoom(r.id, loaded)
	r.log.Debug().Int("files", len(loaded)).Msg("room loaded")
}

func (r *Room) markDirty(fileID string) {
	r.dirty[fileID] = true
	delete(r.deleted, fileID)
}

func (r *Room) markDeleted(fileID string) {
	r.deleted[fileID] = true
	delete(r.dirty, fileID)
}

// flush hands dirty files to the persister.
func (r *Room) flush() {
	if r.c.deps.Files == nil || (len(r.dirty) == 0 && len(r.deleted) == 0) {
		return
	}
	b := batch{writes: make(map[string]string, len(r.dirty))}
	for fileID := range r.deleted {
		b.deletes = append(b.deletes, fileID)
	}
	for fileID := range r.dirty {
		content, _, err := r.c.docs.Read(r.id, fileID)
		if err != nil {
			continue
		}
		b.writes[fileID] = content
	}
	clear(r.dirty)
	clear(r.deleted)
	r.persist <- b
}

// persister writes batches in order, retrying each file with backoff.
func (r *Room) persister() {
	defer close(r.persisted)
	files := r.c.deps.Files
	for b := range r.persist {
		for _, fileID := range b.deletes {
			r.persistOne("delete", fileID, func(ctx context.Context) error {
				return files.Delete(ctx, r.id, fileID)
			})
		}
		for fileID, content := range b.writes {
			r.persistOne("write", fileID, func(ctx context.Context) error {
				return files.Write(ctx, r.id, fileID, content)
			})
		}
	}
}

func (r *Room) persistOne(op, fileID string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	err := backoff.Retry(func() error {
		err := fn(ctx)
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidPath) {
			return backoff.Permanent(err)
		}
		return err
	}, storage.NewRetry(ctx, 5))
	if err != nil {
		r.log.Error().Err(&Error{RoomID: r.id, Op: op, Err: err}).Str("file", fileID).Msg("persist file")
	}
}

// join runs on the room goroutine: the joiner gets the full state, then the
// others hear about it.
func (r *Room) join(s *session.Session) {
	r.sendState(s)
	s.MarkReady()
	r.fanout(protocol.MustEncode(protocol.TypeUserJoined, protocol.UserEvent{
		SessionID:     s.ID,
		ParticipantID: s.ParticipantID,
	}), s.ID)
	r.log.Info().Str("session", s.ID).Str("participant", s.ParticipantID).Msg("session joined")
}

func (r *Room) leave(s *session.Session) {
	r.rec.Forget(s.ID)
	r.fanout(protocol.MustEncode(protocol.TypeUserLeft, protocol.UserEvent{
		SessionID:     s.ID,
		ParticipantID: s.ParticipantID,
	}), "")
	r.log.Info().Str("session", s.ID).Msg("session left")
	if r.c.sessions.Count(r.id) == 0 {
		r.c.scheduleReap(r)
	}
}

func (r *Room) state(s *session.Session) protocol.RoomState {
	snaps := r.c.docs.Files(r.id)
	files := make(map[string]string, len(snaps))
	seqs := make(map[string]int64, len(snaps))
	for id, snap := range snaps {
		files[id] = snap.Content
		seqs[id] = snap.Seq
	}
	active := r.c.sessions.ListActive(r.id)
	infos := make([]protocol.SessionInfo, 0, len(active))
	for _, other := range active {
		infos = append(infos, other.Info())
	}
	chat := make([]protocol.ChatMessage, len(r.chat))
	copy(chat, r.chat)

	return protocol.RoomState{
		RoomID:      r.id,
		SessionID:   s.ID,
		Files:       files,
		Seqs:        seqs,
		Language:    r.Language(),
		Sessions:    infos,
		ChatHistory: chat,
		Debug:       r.debug.Snapshot(),
		Breakpoints: r.debug.Breakpoints(),
	}
}

func (r *Room) sendState(s *session.Session) {
	r.send(s, protocol.TypeRoomState, r.state(s))
}

// send delivers a frame to one session only.
func (r *Room) send(s *session.Session, t protocol.Type, payload any) {
	frame, err := protocol.Encode(t, payload)
	if err != nil {
		r.log.Error().Err(err).Str("type", string(t)).Msg("encode frame")
		return
	}
	r.deliver(s, frame)
}

func (r *Room) deliver(s *session.Session, frame []byte) {
	if s.Send(frame) {
		r.c.deps.Metrics.Broadcasts.Inc()
		return
	}
	r.c.deps.Metrics.DroppedFrames.Inc()
	r.log.Warn().Str("session", s.ID).Msg("send buffer full, dropping session")
	go r.c.Leave(s.ID)
}

// fanout sends frame to every ready session except the one with id except,
// and publishes it as a room delta.
func (r *Room) fanout(frame []byte, except string) {
	for _, s := range r.c.sessions.ListActive(r.id) {
		if s.ID == except || !s.Ready() {
			continue
		}
		r.deliver(s, frame)
	}
	r.c.publish(event.Event{Kind: event.RoomDelta, RoomID: r.id, Frame: frame})
}

func (r *Room) broadcastExcept(t protocol.Type, payload any, except string) {
	frame, err := protocol.Encode(t, payload)
	if err != nil {
		r.log.Error().Err(err).Str("type", string(t)).Msg("encode frame")
		return
	}
	r.fanout(frame, except)
}

// Broadcast sends a frame to every session. It satisfies debug.Host.
func (r *Room) Broadcast(t protocol.Type, payload any) {
	r.broadcastExcept(t, payload, "")
}

// FileLines satisfies debug.Host.
func (r *Room) FileLines(fileID string) (int, int64, bool) {
	content, seq, err := r.c.docs.Read(r.id, fileID)
	if err != nil {
		return 0, 0, false
	}
	return document.LineCount(content), seq, true
}

// DebugReleased satisfies debug.Host. An empty room whose grace period ran
// out while the process lived is reaped now.
func (r *Room) DebugReleased() {
	if r.c.sessions.Count(r.id) == 0 {
		r.c.scheduleReap(r)
	}
}

// cancelReapLocked stops a pending reap. The coordinator's mutex must be
// held.
func (r *Room) cancelReapLocked() {
	if r.reap != nil {
		r.reap.Stop()
		r.reap = nil
	}
}

func (r *Room) editOutcome(res reconcile.Result) string {
	switch {
	case res.Reset:
		return metrics.EditReset
	case res.Transformed:
		return metrics.EditTransformed
	}
	return metrics.EditDirect
}

var _ debug.Host = (*Room)(nil)
