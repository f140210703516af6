package reconcile

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"collabtext/collabd/internal/protocol"
)

// DiffOps expresses the change from before to after as ranged inserts and
// deletes. Each op assumes the previous ones have been applied, so they must be
// submitted in order.
func DiffOps(before, after string) []protocol.Operation {
	if before == after {
		return nil
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(before, after, false))

	var ops []protocol.Operation
	pos := 0
	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			pos += n
		case diffmatchpatch.DiffDelete:
			ops = append(ops, protocol.Operation{Kind: protocol.OpDelete, Pos: pos, End: pos + n})
		case diffmatchpatch.DiffInsert:
			ops = append(ops, protocol.Operation{Kind: protocol.OpInsert, Pos: pos, Text: d.Text})
			pos += n
		}
	}
	return ops
}
