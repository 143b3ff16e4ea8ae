package tabular

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rotisserie/eris"
)

// Write emits rows in the grammar Parse reads. Cells containing the
// delimiter, a quote, CR or LF, or starting or ending with whitespace are
// quoted with inner quotes doubled.
func Write(w io.Writer, rows [][]string) error {
	bw := bufio.NewWriter(w)
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				bw.WriteByte(Delimiter) //nolint:errcheck
			}
			if needsQuotes(cell) || (len(row) == 1 && cell == "") {
				bw.WriteByte('"')                                   //nolint:errcheck
				bw.WriteString(strings.ReplaceAll(cell, `"`, `""`)) //nolint:errcheck
				bw.WriteByte('"')                                   //nolint:errcheck
				continue
			}
			bw.WriteString(cell) //nolint:errcheck
		}
		bw.WriteByte('\n') //nolint:errcheck
	}
	if err := bw.Flush(); err != nil {
		return eris.Wrap(err, "tabular: write rows")
	}
	return nil
}

func needsQuotes(cell string) bool {
	if cell == "" {
		return false
	}
	if strings.ContainsAny(cell, "\",\r\n") {
		return true
	}
	first, _ := utf8.DecodeRuneInString(cell)
	last, _ := utf8.DecodeLastRuneInString(cell)
	return unicode.IsSpace(first) || unicode.IsSpace(last)
}

// Serialize is Write into a string.
func Serialize(rows [][]string) (string, error) {
	var buf bytes.Buffer
	if err := Write(&buf, rows); err != nil {
		return "", err
	}
	return buf.String(), nil
}
