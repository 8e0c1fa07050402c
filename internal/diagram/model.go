package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindState    NodeKind = "state"
	NodeKindTerminal NodeKind = "terminal"
	NodeKindStart    NodeKind = "start"
)

// StartID is the virtual node pointing at the initial state.
const StartID = "__start__"

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one workflow state.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Color  string
	Status *StatusOverlay
}

// StatusOverlay carries one entity's progress through the state.
type StatusOverlay struct {
	Current bool
	Visits  int
}

// Edge is a declared transition. Wildcard transitions are expanded to one
// edge per source state.
type Edge struct {
	ID       string
	From     string
	To       string
	Label    string
	Guarded  bool
	Wildcard bool
	Taken    int
}

func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
