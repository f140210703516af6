package document

import (
	"fmt"

	"collabtext/collabd/internal/protocol"
)

// applyRunes returns the text after op and the text op removed.
func applyRunes(text []rune, op protocol.Operation) ([]rune, string, error) {
	switch op.Kind {
	case protocol.OpInsert:
		if op.Pos > len(text) {
			return nil, "", fmt.Errorf("%w: insert at %d, length %d", ErrInvalidRange, op.Pos, len(text))
		}
		ins := []rune(op.Text)
		next := make([]rune, 0, len(text)+len(ins))
		next = append(next, text[:op.Pos]...)
		next = append(next, ins...)
		next = append(next, text[op.Pos:]...)
		return next, "", nil

	case protocol.OpDelete:
		if op.End > len(text) {
			return nil, "", fmt.Errorf("%w: delete [%d,%d), length %d", ErrInvalidRange, op.Pos, op.End, len(text))
		}
		deleted := string(text[op.Pos:op.End])
		next := make([]rune, 0, len(text)-(op.End-op.Pos))
		next = append(next, text[:op.Pos]...)
		next = append(next, text[op.End:]...)
		return next, deleted, nil

	case protocol.OpReplace:
		return []rune(op.Text), string(text), nil
	}
	return nil, "", protocol.ErrInvalidOperation
}

// ApplyTo applies op to content. Clients of the broadcast stream use the same
// rules the store does.
func ApplyTo(content string, op protocol.Operation) (string, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}
	next, _, err := applyRunes([]rune(content), op)
	if err != nil {
		return "", err
	}
	return string(next), nil
}

// Replay applies ops in order starting from the empty string.
func Replay(ops []protocol.Operation) (string, error) {
	text := []rune{}
	for _, op := range ops {
		next, _, err := applyRunes(text, op)
		if err != nil {
			return "", fmt.Errorf("replay seq %d: %w", op.Seq, err)
		}
		text = next
	}
	return string(text), nil
}
