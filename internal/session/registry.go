// Package session tracks the participants connected to each room.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"collabtext/collabd/internal/protocol"
)

var ErrNotFound = errors.New("session: not found")

// Sender delivers encoded frames to one connection. Send must not block; it
// reports false when the frame could not be queued.
type Sender interface {
	Send(data []byte) bool
	Close()
}

// Session is one participant's live connection in a room. RoomID is a lookup
// key only; the session does not keep its room alive.
type Session struct {
	ID            string
	ParticipantID string
	RoomID        string
	JoinOrder     int64
	JoinedAt      time.Time

	sender Sender
	ready  atomic.Bool

	mu           sync.Mutex
	cursor       *protocol.CursorUpdate
	lastActivity time.Time
}

// Send queues data on the session's connection.
func (s *Session) Send(data []byte) bool {
	return s.sender.Send(data)
}

// Close closes the session's connection.
func (s *Session) Close() { s.sender.Close() }

// Ready reports whether the session has received its room_state and may be
// sent deltas.
func (s *Session) Ready() bool { return s.ready.Load() }

func (s *Session) MarkReady() { s.ready.Store(true) }

func (s *Session) Cursor() *protocol.CursorUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor == nil {
		return nil
	}
	c := *s.cursor
	return &c
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Info is the wire description of the session.
func (s *Session) Info() protocol.SessionInfo {
	return protocol.SessionInfo{
		SessionID:     s.ID,
		ParticipantID: s.ParticipantID,
		JoinedAt:      s.JoinedAt,
		Cursor:        s.Cursor(),
	}
}

type roomSessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry is safe for concurrent use. Each room's membership has its own
// lock, separate from the room's edit and debug sequencing.
type Registry struct {
	now       func() time.Time
	joinOrder atomic.Int64

	mu    sync.RWMutex
	rooms map[string]*roomSessions
	byID  map[string]*Session
}

type Option func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		now:   time.Now,
		rooms: make(map[string]*roomSessions),
		byID:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join registers a new session in roomID. The room entry and its session set
// change under one hold of r.mu, so a concurrent Prune never drops the room
// between the two.
func (r *Registry) Join(roomID, participantID string, sender Sender) *Session {
	now := r.now()
	s := &Session{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		RoomID:        roomID,
		JoinOrder:     r.joinOrder.Add(1),
		JoinedAt:      now,
		sender:        sender,
		lastActivity:  now,
	}

	r.mu.Lock()
	rs, ok := r.rooms[roomID]
	if !ok {
		rs = &roomSessions{sessions: make(map[string]*Session)}
		r.rooms[roomID] = rs
	}
	r.byID[s.ID] = s
	rs.mu.Lock()
	rs.sessions[s.ID] = s
	rs.mu.Unlock()
	r.mu.Unlock()
	return s
}

// Leave removes the session and returns it, or nil if it was already gone.
func (r *Registry) Leave(sessionID string) *Session {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.byID, sessionID)
	if rs := r.rooms[s.RoomID]; rs != nil {
		rs.mu.Lock()
		delete(rs.sessions, sessionID)
		rs.mu.Unlock()
	}
	r.mu.Unlock()
	return s
}

func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (r *Registry) roomSessions(roomID string) *roomSessions {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

// ListActive returns the room's sessions ordered by join time.
func (r *Registry) ListActive(roomID string) []*Session {
	rs := r.roomSessions(roomID)
	if rs == nil {
		return nil
	}
	rs.mu.RLock()
	out := make([]*Session, 0, len(rs.sessions))
	for _, s := range rs.sessions {
		out = append(out, s)
	}
	rs.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].JoinOrder < out[j].JoinOrder })
	return out
}

func (r *Registry) Count(roomID string) int {
	rs := r.roomSessions(roomID)
	if rs == nil {
		return 0
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.sessions)
}

// Prune forgets a room with no sessions left.
func (r *Registry) Prune(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.rooms[roomID]
	if !ok {
		return
	}
	rs.mu.RLock()
	empty := len(rs.sessions) == 0
	rs.mu.RUnlock()
	if empty {
		delete(r.rooms, roomID)
	}
}

// Touch records activity on the session.
func (r *Registry) Touch(sessionID string) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	now := r.now()
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
	return nil
}

// UpdateCursor stores the session's cursor and counts as activity.
func (r *Registry) UpdateCursor(sessionID string, cursor protocol.CursorUpdate) error {
	s, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	cursor.SessionID = sessionID
	now := r.now()
	s.mu.Lock()
	s.cursor = &cursor
	s.lastActivity = now
	s.mu.Unlock()
	return nil
}

// ShiftCursors moves the stored cursor and selection of every session in
// roomID whose cursor sits in fileID through shift. Cursors with no file are
// left alone.
func (r *Registry) ShiftCursors(roomID, fileID string, shift func(sessionID string, pos protocol.Position) protocol.Position) {
	for _, s := range r.ListActive(roomID) {
		s.mu.Lock()
		if c := s.cursor; c != nil && c.FileID == fileID {
			c.Position = shift(s.ID, c.Position)
			if c.Selection != nil {
				sel := protocol.Selection{
					Anchor: shift(s.ID, c.Selection.Anchor),
					Head:   shift(s.ID, c.Selection.Head),
				}
				c.Selection = &sel
			}
		}
		s.mu.Unlock()
	}
}

// Expired lists sessions with no activity within idle.
func (r *Registry) Expired(idle time.Duration) []*Session {
	cutoff := r.now().Add(-idle)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, s := range r.byID {
		if s.LastActivity().Before(cutoff) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinOrder < out[j].JoinOrder })
	return out
}

// Run calls onExpire for every session idle longer than idle, checking on
// each tick of every, until ctx is done.
func (r *Registry) Run(ctx context.Context, idle, every time.Duration, onExpire func(*Session)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range r.Expired(idle) {
				onExpire(s)
			}
		}
	}
}
