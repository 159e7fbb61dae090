package track

import (
	"strings"
	"unicode/utf8"
)

// -------------------------------------------------------------------------
// Table Rendering
// -------------------------------------------------------------------------

// boxStyle holds the border glyphs for one table drawing style.
type boxStyle struct {
	h          string
	v          string
	tl, tc, tr string
	ml, mc, mr string
	bl, bc, br string
}

var (
	asciiBox = boxStyle{
		h: "-", v: "|",
		tl: "+", tc: "+", tr: "+",
		ml: "+", mc: "+", mr: "+",
		bl: "+", bc: "+", br: "+",
	}

	unicodeBox = boxStyle{
		h: "─", v: "│",
		tl: "┌", tc: "┬", tr: "┐",
		ml: "├", mc: "┼", mr: "┤",
		bl: "└", bc: "┴", br: "┘",
	}
)

// RenderTable renders headers and rows as a boxed text table and
// returns the lines without terminators. Column widths fit the widest
// cell; short rows are padded with empty cells. The unicode flag
// selects box-drawing glyphs over plain ASCII borders.
func RenderTable(headers []string, rows [][]string, unicode bool) []string {
	style := asciiBox
	if unicode {
		style = unicodeBox
	}

	widths := columnWidths(headers, rows)

	lines := make([]string, 0, len(rows)+4)
	lines = append(lines,
		borderLine(style.tl, style.tc, style.tr, style.h, widths),
		cellLine(style.v, headers, widths),
		borderLine(style.ml, style.mc, style.mr, style.h, widths),
	)
	for _, row := range rows {
		lines = append(lines, cellLine(style.v, row, widths))
	}
	lines = append(lines, borderLine(style.bl, style.bc, style.br, style.h, widths))

	return lines
}

// columnWidths returns the rune width of the widest cell per column.
func columnWidths(headers []string, rows [][]string) []int {
	cols := len(headers)
	for _, row := range rows {
		if len(row) > cols {
			cols = len(row)
		}
	}

	widths := make([]int, cols)
	measure := func(row []string) {
		for i, cell := range row {
			if w := utf8.RuneCountInString(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	measure(headers)
	for _, row := range rows {
		measure(row)
	}

	return widths
}

// borderLine builds one horizontal border from the given corner and
// junction glyphs.
func borderLine(left, mid, right, h string, widths []int) string {
	var b strings.Builder
	b.WriteString(left)
	for i, w := range widths {
		if i > 0 {
			b.WriteString(mid)
		}
		b.WriteString(strings.Repeat(h, w+2))
	}
	b.WriteString(right)
	return b.String()
}

// cellLine builds one content row, padding each cell to its column width.
func cellLine(v string, row []string, widths []int) string {
	var b strings.Builder
	b.WriteString(v)
	for i, w := range widths {
		cell := ""
		if i < len(row) {
			cell = row[i]
		}
		b.WriteString(" ")
		b.WriteString(cell)
		b.WriteString(strings.Repeat(" ", w-utf8.RuneCountInString(cell)))
		b.WriteString(" ")
		b.WriteString(v)
	}
	return b.String()
}
