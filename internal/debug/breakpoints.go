package debug

import "collabtext/collabd/internal/protocol"

// breakpointSet keeps breakpoints in the order they were first added, without
// duplicates.
type breakpointSet struct {
	list []protocol.Breakpoint
}

func (b *breakpointSet) index(bp protocol.Breakpoint) int {
	for i, have := range b.list {
		if have == bp {
			return i
		}
	}
	return -1
}

func (b *breakpointSet) add(bp protocol.Breakpoint) bool {
	if bp.Line <= 0 || bp.FileID == "" || b.index(bp) >= 0 {
		return false
	}
	b.list = append(b.list, bp)
	return true
}

func (b *breakpointSet) remove(bp protocol.Breakpoint) bool {
	i := b.index(bp)
	if i < 0 {
		return false
	}
	b.list = append(b.list[:i], b.list[i+1:]...)
	return true
}

func (b *breakpointSet) replace(bps []protocol.Breakpoint) {
	b.list = nil
	for _, bp := range bps {
		b.add(bp)
	}
}

// renameFile moves breakpoints from one file to another, dropping any that
// would collide.
func (b *breakpointSet) renameFile(from, to string) {
	old := b.list
	b.list = nil
	for _, bp := range old {
		if bp.FileID == from {
			bp.FileID = to
		}
		b.add(bp)
	}
}

func (b *breakpointSet) dropFile(fileID string) {
	kept := b.list[:0]
	for _, bp := range b.list {
		if bp.FileID != fileID {
			kept = append(kept, bp)
		}
	}
	b.list = kept
}

func (b *breakpointSet) snapshot() []protocol.Breakpoint {
	out := make([]protocol.Breakpoint, len(b.list))
	copy(out, b.list)
	return out
}
