package document

import "collabtext/collabd/internal/protocol"

// Offset converts a cursor position into a rune offset in content. Lines and
// columns are 0-based; a column past the end of its line lands on the line
// end, and a line past the last one lands on the end of the text.
func Offset(content string, pos protocol.Position) int {
	line, col, off := 0, 0, 0
	if pos.Line < 0 {
		return 0
	}
	if pos.Column < 0 {
		pos.Column = 0
	}
	for _, c := range content {
		if line == pos.Line && (col == pos.Column || c == '\n') {
			return off
		}
		if c == '\n' {
			line++
			col = 0
		} else {
			col++
		}
		off++
	}
	return off
}

// PositionAt is the inverse of Offset. Offsets outside content are clamped.
func PositionAt(content string, offset int) protocol.Position {
	var pos protocol.Position
	if offset < 0 {
		return pos
	}
	i := 0
	for _, c := range content {
		if i == offset {
			break
		}
		if c == '\n' {
			pos.Line++
			pos.Column = 0
		} else {
			pos.Column++
		}
		i++
	}
	return pos
}
