package reconcile

import "collabtext/collabd/internal/protocol"

// Transform rewrites op so it applies after prior, an operation op's author
// had not seen. Replace operations are never transformed; an op that predates
// a replace collapses to a no-op.
//
// For two concurrent ops a and b, applying b then Transform(a, b) leaves the
// same text as applying a then Transform(b, a). Text inserted strictly inside
// a concurrently deleted range is deleted with it, whichever side arrives
// first.
func Transform(op, prior protocol.Operation) protocol.Operation {
	if op.Kind == protocol.OpReplace {
		return op
	}

	switch prior.Kind {
	case protocol.OpReplace:
		return collapse(op)

	case protocol.OpInsert:
		n := prior.Len()
		if n == 0 {
			return op
		}
		p := prior.Pos
		switch op.Kind {
		case protocol.OpInsert:
			if p < op.Pos || (p == op.Pos && landsFirst(prior, op)) {
				op.Pos += n
			}
		case protocol.OpDelete:
			switch {
			case p <= op.Pos:
				op.Pos += n
				op.End += n
			case p < op.End:
				// The later delete also removes text inserted inside its range.
				op.End += n
			}
		}

	case protocol.OpDelete:
		if prior.IsNoop() {
			return op
		}
		switch op.Kind {
		case protocol.OpInsert:
			if prior.Pos < op.Pos && op.Pos < prior.End {
				op.Pos = prior.Pos
				op.Text = ""
				break
			}
			op.Pos = shiftPast(op.Pos, prior.Pos, prior.End)
		case protocol.OpDelete:
			op.Pos = shiftPast(op.Pos, prior.Pos, prior.End)
			op.End = shiftPast(op.End, prior.Pos, prior.End)
		}
	}
	return op
}

// shiftPast maps a position through the deletion of [start, end).
func shiftPast(pos, start, end int) int {
	switch {
	case pos <= start:
		return pos
	case pos <= end:
		return start
	default:
		return pos - (end - start)
	}
}

// ShiftOffset maps a caret offset through an accepted op. An insert exactly at
// the caret pushes it right only when sticky is set, as it is for the caret of
// the op's author.
func ShiftOffset(offset int, op protocol.Operation, sticky bool) int {
	switch op.Kind {
	case protocol.OpInsert:
		if op.Pos < offset || (op.Pos == offset && sticky) {
			return offset + op.Len()
		}
	case protocol.OpDelete:
		return shiftPast(offset, op.Pos, op.End)
	}
	return offset
}

// landsFirst decides which of two inserts at the same position goes left:
// the session that joined the room earlier.
func landsFirst(prior, op protocol.Operation) bool {
	if prior.Rank != op.Rank && prior.Rank != 0 && op.Rank != 0 {
		return prior.Rank < op.Rank
	}
	return prior.SessionID < op.SessionID
}

func collapse(op protocol.Operation) protocol.Operation {
	op.Pos = 0
	op.End = 0
	op.Text = ""
	return op
}
