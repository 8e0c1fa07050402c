package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid state diagram.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("stateDiagram-v2\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		if node.Kind == NodeKindStart {
			continue
		}
		b.WriteString(fmt.Sprintf("    state %q as %s\n", node.Label, mermaidSafeID(node.ID)))
	}

	for _, edge := range model.Edges {
		from := mermaidSafeID(edge.From)
		if edge.From == StartID {
			from = "[*]"
		}
		line := fmt.Sprintf("    %s --> %s", from, mermaidSafeID(edge.To))
		if edge.Label != "" {
			line += " : " + mermaidEscapeLabel(edge.Label)
		}
		b.WriteString(line + "\n")
	}
	for _, node := range model.Nodes {
		if node.Kind == NodeKindTerminal {
			b.WriteString(fmt.Sprintf("    %s --> [*]\n", mermaidSafeID(node.ID)))
		}
	}

	b.WriteString("\n")
	b.WriteString("    classDef current fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef visited fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")

	for _, node := range model.Nodes {
		if cls := mermaidStatusClass(node.Status); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
		}
	}

	return b.String()
}

// mermaidSafeID converts a state name to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")
	return r.Replace(id)
}

// mermaidEscapeLabel drops characters that end a transition label early.
func mermaidEscapeLabel(s string) string {
	return strings.NewReplacer(":", " ", "\n", " ").Replace(s)
}

func mermaidStatusClass(st *StatusOverlay) string {
	switch {
	case st == nil:
		return ""
	case st.Current:
		return "current"
	case st.Visits > 0:
		return "visited"
	default:
		return ""
	}
}
