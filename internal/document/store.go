// Package document holds the authoritative text of every file in every room,
// with a per-file sequence number and an append-only log of accepted operations.
package document

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"collabtext/collabd/internal/protocol"
)

var (
	ErrStaleBase    = errors.New("document: stale base sequence")
	ErrFutureBase   = errors.New("document: base sequence ahead of store")
	ErrInvalidRange = errors.New("document: range outside document")
	ErrNotFound     = errors.New("document: file not found")
	ErrExists       = errors.New("document: file already exists")
)

// Snapshot is a consistent view of one file.
type Snapshot struct {
	Content string
	Seq     int64
}

type file struct {
	text []rune
	seq  int64
	// first is the Seq of log[0]. A file re-created after a remove continues
	// the numbering of the one it replaces.
	first int64
	log   []protocol.Operation
}

type roomDocs struct {
	mu    sync.RWMutex
	files map[string]*file
	// last seq of every removed or renamed-away file
	removed map[string]int64
}

// Store is safe for concurrent use. Each room has its own lock, so work on one
// room never waits on another.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*roomDocs
}

func NewStore() *Store {
	return &Store{rooms: make(map[string]*roomDocs)}
}

func (s *Store) room(roomID string, create bool) *roomDocs {
	s.mu.RLock()
	r, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if ok || !create {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.rooms[roomID]; ok {
		return r
	}
	r = &roomDocs{files: make(map[string]*file), removed: make(map[string]int64)}
	s.rooms[roomID] = r
	return r
}

// Apply accepts op against the file if op.BaseSeq equals the file's current
// sequence number. A file that does not exist yet is created empty when the
// operation's base is the file's origin (0, or the last seq of a removed file
// with the same id). The accepted operation carries its assigned Seq and the
// text it removed.
func (s *Store) Apply(roomID, fileID string, op protocol.Operation) (string, protocol.Operation, error) {
	if err := op.Validate(); err != nil {
		return "", op, err
	}

	r := s.room(roomID, true)
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[fileID]
	if !ok {
		tomb := r.removed[fileID]
		if op.BaseSeq != tomb {
			return "", op, fmt.Errorf("%w: %s", ErrNotFound, fileID)
		}
		f = &file{seq: tomb, first: tomb + 1}
	}

	switch {
	case op.BaseSeq < f.seq:
		return "", op, ErrStaleBase
	case op.BaseSeq > f.seq:
		return "", op, ErrFutureBase
	}

	next, deleted, err := applyRunes(f.text, op)
	if err != nil {
		return "", op, err
	}

	op.Seq = f.seq + 1
	op.FileID = fileID
	op.Deleted = deleted
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now().UTC()
	}

	f.text = next
	f.seq = op.Seq
	f.log = append(f.log, op)
	if !ok {
		r.files[fileID] = f
		delete(r.removed, fileID)
	}
	return string(next), op, nil
}

// Read returns the file's content and current sequence number.
func (s *Store) Read(roomID, fileID string) (string, int64, error) {
	r := s.room(roomID, false)
	if r == nil {
		return "", 0, fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.files[fileID]
	if !ok {
		return "", 0, fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}
	return string(f.text), f.seq, nil
}

// Log returns the accepted operations with Seq greater than afterSeq, in order.
func (s *Store) Log(roomID, fileID string, afterSeq int64) []protocol.Operation {
	r := s.room(roomID, false)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.files[fileID]
	if !ok || afterSeq >= f.seq {
		return nil
	}
	// Seqs are gapless from first, so log[i] has Seq first+i.
	from := afterSeq - f.first + 1
	if from < 0 {
		from = 0
	}
	out := make([]protocol.Operation, len(f.log)-int(from))
	copy(out, f.log[from:])
	return out
}

// Origin is the seq the file's current generation starts after: 0 for a file
// that was never removed, otherwise the last seq of the removed file. It is
// defined for missing files too.
func (s *Store) Origin(roomID, fileID string) int64 {
	r := s.room(roomID, false)
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if f, ok := r.files[fileID]; ok {
		return f.first - 1
	}
	return r.removed[fileID]
}

// Create adds a file holding content. It is recorded as a replace so replaying
// the log still reconstructs the text. The replace takes seq 1, or the seq
// after the last one of a removed file with the same id, so an edit still in
// flight for the old file collapses instead of landing in the new one.
func (s *Store) Create(roomID, fileID, content string) (protocol.Operation, error) {
	r := s.room(roomID, true)
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.files[fileID]; ok {
		return protocol.Operation{}, fmt.Errorf("%w: %s", ErrExists, fileID)
	}
	f := seeded(fileID, content, r.removed[fileID]+1)
	r.files[fileID] = f
	delete(r.removed, fileID)
	return f.log[0], nil
}

func seeded(fileID, content string, seq int64) *file {
	op := protocol.Operation{
		Seq:       seq,
		FileID:    fileID,
		Kind:      protocol.OpReplace,
		Text:      content,
		Timestamp: time.Now().UTC(),
	}
	return &file{text: []rune(content), seq: seq, first: seq, log: []protocol.Operation{op}}
}

func (s *Store) Remove(roomID, fileID string) error {
	r := s.room(roomID, false)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[fileID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}
	delete(r.files, fileID)
	r.removed[fileID] = f.seq
	return nil
}

// Rename moves a file, its sequence number and its log to a new id. When the
// new id belongs to a removed file whose numbering is ahead, the moved file is
// reseeded past it as a single replace.
func (s *Store) Rename(roomID, from, to string) error {
	r := s.room(roomID, false)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, from)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, from)
	}
	if _, ok := r.files[to]; ok {
		return fmt.Errorf("%w: %s", ErrExists, to)
	}
	delete(r.files, from)
	r.removed[from] = f.seq
	if tomb, ok := r.removed[to]; ok {
		if f.seq <= tomb {
			f = seeded(to, string(f.text), tomb+1)
		}
		delete(r.removed, to)
	}
	r.files[to] = f
	return nil
}

// Files returns a snapshot of every file in the room taken under one lock.
func (s *Store) Files(roomID string) map[string]Snapshot {
	out := make(map[string]Snapshot)
	r := s.room(roomID, false)
	if r == nil {
		return out
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, f := range r.files {
		out[id] = Snapshot{Content: string(f.text), Seq: f.seq}
	}
	return out
}

// FileIDs lists the room's files in lexical order.
func (s *Store) FileIDs(roomID string) []string {
	r := s.room(roomID, false)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	ids := make([]string, 0, len(r.files))
	for id := range r.files {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// LoadRoom seeds a room with persisted files. Existing files are kept.
func (s *Store) LoadRoom(roomID string, files map[string]string) {
	for id, content := range files {
		_, _ = s.Create(roomID, id, content)
	}
}

func (s *Store) DropRoom(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

// LineCount is the number of lines in content; an empty file has one line.
func LineCount(content string) int {
	return strings.Count(content, "\n") + 1
}
