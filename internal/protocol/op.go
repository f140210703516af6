package protocol

import (
	"errors"
	"time"
	"unicode/utf8"
)

// OpKind names the kind of text mutation an Operation performs.
type OpKind string

const (
	OpInsert  OpKind = "insert"
	OpDelete  OpKind = "delete"
	OpReplace OpKind = "replace"
)

var ErrInvalidOperation = errors.New("protocol: invalid operation")

// Operation is a single sequenced text mutation against one file. Positions are
// rune offsets. Insert places Text at Pos; Delete removes [Pos, End); Replace
// sets the whole file to Text.
//
// Seq is assigned by the document store on acceptance. BaseSeq is the sequence
// number the author believed current. ClientSeq is a per-session counter the
// client may set so re-sent operations can be recognized.
type Operation struct {
	Seq       int64     `json:"seq,omitempty"`
	BaseSeq   int64     `json:"baseSeq"`
	ClientSeq int64     `json:"clientSeq,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	FileID    string    `json:"fileId,omitempty"`
	Kind      OpKind    `json:"kind"`
	Pos       int       `json:"pos"`
	End       int       `json:"end,omitempty"`
	Text      string    `json:"text,omitempty"`
	Deleted   string    `json:"deleted,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Rank is the join order of the originating session, used to break ties
	// between inserts at the same position. It never leaves the server.
	Rank int64 `json:"-"`
}

// Validate checks the shape of the operation without reference to any document.
func (o Operation) Validate() error {
	switch o.Kind {
	case OpInsert:
		if o.Pos < 0 {
			return ErrInvalidOperation
		}
	case OpDelete:
		if o.Pos < 0 || o.End < o.Pos {
			return ErrInvalidOperation
		}
	case OpReplace:
	default:
		return ErrInvalidOperation
	}
	return nil
}

// IsNoop reports whether applying the operation leaves any text unchanged.
func (o Operation) IsNoop() bool {
	switch o.Kind {
	case OpInsert:
		return o.Text == ""
	case OpDelete:
		return o.End == o.Pos
	}
	return false
}

// Len is the number of runes inserted (insert) or removed (delete).
func (o Operation) Len() int {
	switch o.Kind {
	case OpInsert:
		return utf8.RuneCountInString(o.Text)
	case OpDelete:
		return o.End - o.Pos
	}
	return 0
}

// Inverse returns the operation that undoes an accepted operation. It relies on
// Deleted, which the store fills on acceptance.
func (o Operation) Inverse() Operation {
	inv := o
	inv.Seq = 0
	inv.BaseSeq = o.Seq
	inv.ClientSeq = 0
	switch o.Kind {
	case OpInsert:
		inv.Kind = OpDelete
		inv.End = o.Pos + o.Len()
		inv.Text = ""
		inv.Deleted = o.Text
	case OpDelete:
		inv.Kind = OpInsert
		inv.End = 0
		inv.Text = o.Deleted
		inv.Deleted = ""
	case OpReplace:
		inv.Text = o.Deleted
		inv.Deleted = o.Text
	}
	return inv
}
