package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// RenderASCII draws the model for a terminal: one row of boxes per level,
// then a transition table. Back edges and wildcard sources do not fit a
// top-down layout, so edges are listed rather than drawn.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		row := make([]asciiBox, 0, len(level))
		for _, id := range level {
			if n := model.node(id); n != nil {
				row = append(row, makeBox(n))
			}
		}
		if len(row) == 0 {
			continue
		}
		writeRow(&b, row)
		if i < len(model.Levels)-1 {
			b.WriteString("       │\n       ▼\n")
		}
	}

	b.WriteString("\n--- transitions ---\n")
	for _, e := range model.Edges {
		if e.From == StartID {
			continue
		}
		fmt.Fprintf(&b, "  %s ─→ %s", e.From, e.To)
		if e.Label != "" {
			fmt.Fprintf(&b, "  (%s)", e.Label)
		}
		if e.Taken > 0 {
			fmt.Fprintf(&b, "  taken x%d", e.Taken)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// asciiBox is a rendered box; width counts runes, not bytes.
type asciiBox struct {
	lines []string
	width int
}

func makeBox(n *Node) asciiBox {
	text := []string{n.Label}
	if n.Kind == NodeKindTerminal {
		text = append(text, "(end)")
	}
	if n.Status != nil {
		switch {
		case n.Status.Current:
			text = append(text, "[NOW]")
		case n.Status.Visits > 0:
			text = append(text, fmt.Sprintf("[SEEN x%d]", n.Status.Visits))
		}
	}

	inner := 0
	for _, t := range text {
		inner = max(inner, utf8.RuneCountInString(t))
	}
	rule := strings.Repeat("─", inner+2)

	lines := make([]string, 0, len(text)+2)
	lines = append(lines, "┌"+rule+"┐")
	for _, t := range text {
		lines = append(lines, "│ "+t+strings.Repeat(" ", inner-utf8.RuneCountInString(t))+" │")
	}
	lines = append(lines, "└"+rule+"┘")
	return asciiBox{lines: lines, width: inner + 4}
}

// writeRow prints boxes side by side, padding shorter boxes at the bottom.
func writeRow(b *strings.Builder, row []asciiBox) {
	height := 0
	for _, box := range row {
		height = max(height, len(box.lines))
	}
	for r := 0; r < height; r++ {
		for i, box := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			if r < len(box.lines) {
				b.WriteString(box.lines[r])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}
