// Package tabular lexes comma-delimited exports into rows of cells and writes
// rows back out in the same grammar.
package tabular

import (
	"strings"
	"unicode"
)

// Delimiter separates cells within a row.
const Delimiter = ','

// Parse splits text into rows of cells. Whitespace outside quotes at either
// end of a cell is trimmed; quoted content is kept verbatim. It never fails:
// an unmatched quote keeps the lexer in quoted mode for the remainder of the
// input. A doubled quote inside quoted mode is a literal quote. Rows that
// contain no characters at all are dropped; a trailing row without a newline
// is kept.
func Parse(text string) [][]string {
	var (
		rows   [][]string
		row    []string
		cell   strings.Builder
		quoted bool
		// touched marks that the current row has consumed any input, so a row
		// like `,` (two empty cells) survives while a bare blank line does not.
		touched bool
		// qStart and qEnd bound the quoted span of the current cell.
		qStart, qEnd = -1, -1
	)

	endCell := func() {
		row = append(row, trimCell(cell.String(), qStart, qEnd, quoted))
		cell.Reset()
		qStart, qEnd = -1, -1
	}
	endRow := func() {
		endCell()
		if touched {
			rows = append(rows, row)
		}
		row = nil
		touched = false
	}

	for i := 0; i < len(text); i++ {
		c := text[i]

		if quoted {
			if c == '"' {
				if i+1 < len(text) && text[i+1] == '"' {
					cell.WriteByte('"')
					i++
					continue
				}
				quoted = false
				qEnd = cell.Len()
				continue
			}
			cell.WriteByte(c)
			continue
		}

		switch c {
		case '"':
			quoted = true
			touched = true
			if qStart < 0 {
				qStart = cell.Len()
			}
		case Delimiter:
			endCell()
			touched = true
		case '\r':
			if i+1 < len(text) && text[i+1] == '\n' {
				continue
			}
			endRow()
		case '\n':
			endRow()
		default:
			cell.WriteByte(c)
			touched = true
		}
	}

	if touched || cell.Len() > 0 {
		endRow()
	}

	return trimTrailingEmpty(rows)
}

// trimCell trims whitespace from the unquoted prefix and suffix of s. An
// unterminated quote runs to the end of the cell.
func trimCell(s string, qStart, qEnd int, open bool) string {
	if qStart < 0 {
		return strings.TrimSpace(s)
	}
	if open || qEnd < qStart {
		qEnd = len(s)
	}
	return strings.TrimLeftFunc(s[:qStart], unicode.IsSpace) + s[qStart:qEnd] +
		strings.TrimRightFunc(s[qEnd:], unicode.IsSpace)
}

// trimTrailingEmpty drops rows at the end of input whose cells are all empty.
func trimTrailingEmpty(rows [][]string) [][]string {
	for len(rows) > 0 && isBlankRow(rows[len(rows)-1]) {
		rows = rows[:len(rows)-1]
	}
	return rows
}

func isBlankRow(row []string) bool {
	for _, c := range row {
		if c != "" {
			return false
		}
	}
	return true
}
