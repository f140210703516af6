// Package reconcile turns edits authored against an old sequence number into
// operations that apply cleanly to the current document.
package reconcile

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"collabtext/collabd/internal/document"
	"collabtext/collabd/internal/protocol"
)

var ErrDuplicate = errors.New("reconcile: operation already accepted")

// Result describes an accepted operation.
type Result struct {
	Op      protocol.Operation
	Content string

	// Transformed is set when the op had to be rewritten; the rewritten form
	// goes to every session, the origin included.
	Transformed bool
	// Reset marks a full replace the clients must treat as authoritative.
	Reset bool
}

// Reconciler serves a single room. It is not safe for concurrent use; the
// room's sequencing goroutine is its only caller.
type Reconciler struct {
	store  *document.Store
	roomID string

	// last accepted ClientSeq per session and file
	lastClient map[string]int64
	bridges    map[string]*bridge
}

// bridge holds, for one session and file, the other sessions' ops the client
// had not seen when it last submitted, in the form that applies on top of the
// client's own later ops. Ops accepted after through need no rewriting.
type bridge struct {
	through int64
	forms   map[int64]protocol.Operation
}

func New(store *document.Store, roomID string) *Reconciler {
	return &Reconciler{
		store:      store,
		roomID:     roomID,
		lastClient: make(map[string]int64),
		bridges:    make(map[string]*bridge),
	}
}

func clientKey(sessionID, fileID string) string {
	return sessionID + "\x00" + fileID
}

// Submit orders op into the file's stream. op.FileID, op.SessionID and op.Rank
// must be set by the caller.
func (r *Reconciler) Submit(op protocol.Operation) (Result, error) {
	if err := op.Validate(); err != nil {
		return Result{}, err
	}

	content, cur, err := r.store.Read(r.roomID, op.FileID)
	missing := errors.Is(err, document.ErrNotFound)
	if err != nil && !missing {
		return Result{}, err
	}
	origin := r.store.Origin(r.roomID, op.FileID)

	if op.Seq != 0 {
		if op.Seq <= cur {
			return Result{}, fmt.Errorf("%w: seq %d", ErrDuplicate, op.Seq)
		}
		return Result{}, fmt.Errorf("%w: unassigned seq %d", protocol.ErrInvalidOperation, op.Seq)
	}
	key := clientKey(op.SessionID, op.FileID)
	if op.ClientSeq != 0 && op.ClientSeq <= r.lastClient[key] {
		return Result{}, fmt.Errorf("%w: client seq %d", ErrDuplicate, op.ClientSeq)
	}

	res := Result{}
	var forms map[int64]protocol.Operation
	switch {
	case missing:
		if op.BaseSeq != 0 && op.Kind != protocol.OpReplace {
			return Result{}, err
		}
		// Authored against an absent file, so there is nothing to transform past.
		op.BaseSeq = origin
		res.Reset = op.Kind == protocol.OpReplace

	case op.Kind == protocol.OpReplace:
		op.BaseSeq = cur
		res.Reset = true

	case op.BaseSeq > cur:
		return Result{}, document.ErrFutureBase

	case op.BaseSeq < 0:
		return Result{}, protocol.ErrInvalidOperation

	case op.BaseSeq < cur:
		if op.BaseSeq > 0 && op.BaseSeq <= origin {
			// Based on a file that has since been removed and created again.
			op = collapse(op)
		} else {
			op, forms = r.rebase(op, key)
		}
		op = clamp(op, utf8.RuneCountInString(content))
		op.BaseSeq = cur
		res.Transformed = true
	}

	res.Content, res.Op, err = r.store.Apply(r.roomID, op.FileID, op)
	if err != nil {
		return Result{}, err
	}
	if op.ClientSeq != 0 {
		r.lastClient[key] = op.ClientSeq
	}
	r.bridges[key] = &bridge{through: res.Op.Seq, forms: forms}
	return res, nil
}

// rebase transforms op, authored at op.BaseSeq on top of its session's own
// earlier ops, past every op from other sessions accepted since. Each of those
// is taken in the form the client's context sees it, and the returned forms
// are those ops rewritten once more to sit after op.
func (r *Reconciler) rebase(op protocol.Operation, key string) (protocol.Operation, map[int64]protocol.Operation) {
	log := r.store.Log(r.roomID, op.FileID, op.BaseSeq)
	// Nothing before the session's own latest replace is part of its context.
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].SessionID == op.SessionID && log[i].Kind == protocol.OpReplace {
			log = log[i+1:]
			break
		}
	}

	b := r.bridges[key]
	forms := make(map[int64]protocol.Operation)
	for _, prior := range log {
		if prior.SessionID == op.SessionID {
			continue
		}
		if b != nil && prior.Seq <= b.through {
			if f, ok := b.forms[prior.Seq]; ok {
				prior = f
			}
		}
		forms[prior.Seq] = Transform(prior, op)
		op = Transform(op, prior)
	}
	return op, forms
}

// Forget drops duplicate and bridge tracking for a departed session.
func (r *Reconciler) Forget(sessionID string) {
	prefix := sessionID + "\x00"
	r.drop(func(key string) bool { return strings.HasPrefix(key, prefix) })
}

// ForgetFile drops duplicate and bridge tracking for a deleted or renamed file.
func (r *Reconciler) ForgetFile(fileID string) {
	suffix := "\x00" + fileID
	r.drop(func(key string) bool { return strings.HasSuffix(key, suffix) })
}

func (r *Reconciler) drop(match func(key string) bool) {
	for key := range r.lastClient {
		if match(key) {
			delete(r.lastClient, key)
		}
	}
	for key := range r.bridges {
		if match(key) {
			delete(r.bridges, key)
		}
	}
}

// clamp keeps a transformed op inside the current text.
func clamp(op protocol.Operation, n int) protocol.Operation {
	if op.Pos > n {
		op.Pos = n
	}
	if op.Kind == protocol.OpDelete {
		if op.End > n {
			op.End = n
		}
		if op.End < op.Pos {
			op.End = op.Pos
		}
	}
	return op
}
