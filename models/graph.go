package models

import "fmt"

type NodeKind string

const (
	NodeText           NodeKind = "text"
	NodeCharacterImage NodeKind = "characterImage"
	NodeLocationImage  NodeKind = "locationImage"
	NodePlanFirstFrame NodeKind = "planFirstFrame"
	NodePlanLastFrame  NodeKind = "planLastFrame"
	NodeVideo          NodeKind = "video"
	NodeCollection     NodeKind = "collection"
)

type EdgeKind string

const (
	EdgeConsumes EdgeKind = "consumes"
	EdgeReplaces EdgeKind = "replaces"
)

type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
)

func (s NodeStatus) Terminal() bool {
	return s == NodeCompleted || s == NodeFailed
}

// Generated points at a materialised asset.
type Generated struct {
	URL         string `json:"url"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"contentType"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// NodeData is the kind-dependent record carried by a node. Attempts,
// UnknownCodes and Timeouts are persisted with the node so a recovered
// run does not re-charge retries it already spent.
type NodeData struct {
	Label   string         `json:"label,omitempty"`
	Text    string         `json:"text,omitempty"`
	Prompt  string         `json:"prompt,omitempty"`
	ModelID string         `json:"modelId,omitempty"`
	Params  map[string]any `json:"params,omitempty"`

	Variant     string `json:"variant,omitempty"`
	CharacterID string `json:"characterId,omitempty"`
	LocationID  string `json:"locationId,omitempty"`
	PlanKey     string `json:"planKey,omitempty"`
	Couple      int    `json:"couple,omitempty"`
	Index       int    `json:"index,omitempty"`
	Duration    int    `json:"duration,omitempty"`

	Status        NodeStatus  `json:"status"`
	Generated     *Generated  `json:"generated,omitempty"`
	ExtraOutputs  []Generated `json:"extraOutputs,omitempty"`
	LocalPath     string      `json:"localPath,omitempty"`
	Attempts      int         `json:"attempts,omitempty"`
	UnknownCodes  int         `json:"unknownCodes,omitempty"`
	Timeouts      int         `json:"timeouts,omitempty"`
	ErrorCode     string      `json:"errorCode,omitempty"`
	Error         string      `json:"error,omitempty"`
	EstimatedCost float64     `json:"estimatedCost,omitempty"`

	Members []string        `json:"members,omitempty"`
	Mask    map[string]bool `json:"mask,omitempty"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Node struct {
	ID       string   `json:"id"`
	Kind     NodeKind `json:"kind"`
	Data     NodeData `json:"data"`
	Position Position `json:"position"`
}

// Generative reports whether the node is scheduled for a provider call.
func (n *Node) Generative() bool {
	switch n.Kind {
	case NodeCharacterImage, NodeLocationImage, NodePlanFirstFrame, NodePlanLastFrame, NodeVideo:
		return true
	}
	return false
}

// Clone returns a copy whose maps and slices are not shared with n.
func (n *Node) Clone() *Node {
	c := *n
	if n.Data.Params != nil {
		c.Data.Params = make(map[string]any, len(n.Data.Params))
		for k, v := range n.Data.Params {
			c.Data.Params[k] = v
		}
	}
	if n.Data.Generated != nil {
		g := *n.Data.Generated
		c.Data.Generated = &g
	}
	c.Data.ExtraOutputs = append([]Generated(nil), n.Data.ExtraOutputs...)
	c.Data.Members = append([]string(nil), n.Data.Members...)
	if n.Data.Mask != nil {
		c.Data.Mask = make(map[string]bool, len(n.Data.Mask))
		for k, v := range n.Data.Mask {
			c.Data.Mask[k] = v
		}
	}
	return &c
}

type Edge struct {
	ID     string   `json:"id"`
	Source string   `json:"source"`
	Target string   `json:"target"`
	Kind   EdgeKind `json:"kind"`
}

type Graph struct {
	Nodes []*Node `json:"nodes"`
	Edges []Edge  `json:"edges"`

	byID map[string]*Node
}

func (g *Graph) AddNode(n *Node) {
	g.Nodes = append(g.Nodes, n)
	if g.byID != nil {
		g.byID[n.ID] = n
	}
}

// Connect adds a consumes edge from source to target.
func (g *Graph) Connect(source, target string) {
	g.Edges = append(g.Edges, Edge{
		ID:     fmt.Sprintf("e:%s->%s", source, target),
		Source: source,
		Target: target,
		Kind:   EdgeConsumes,
	})
}

func (g *Graph) Node(id string) *Node {
	if g.byID == nil || len(g.byID) != len(g.Nodes) {
		g.byID = make(map[string]*Node, len(g.Nodes))
		for _, n := range g.Nodes {
			g.byID[n.ID] = n
		}
	}
	return g.byID[id]
}

// Parents returns the sources of consumes edges into id, in edge order.
func (g *Graph) Parents(id string) []string {
	var out []string
	for _, e := range g.Edges {
		if e.Kind == EdgeConsumes && e.Target == id {
			out = append(out, e.Source)
		}
	}
	return out
}

func (g *Graph) Children(id string) []string {
	var out []string
	for _, e := range g.Edges {
		if e.Kind == EdgeConsumes && e.Source == id {
			out = append(out, e.Target)
		}
	}
	return out
}

func (g *Graph) CountKind(kind NodeKind) int {
	n := 0
	for _, node := range g.Nodes {
		if node.Kind == kind {
			n++
		}
	}
	return n
}

// SequenceEntry names a node to generate and the nodes it waits on.
type SequenceEntry struct {
	NodeID        string   `json:"nodeId"`
	Prerequisites []string `json:"prerequisites"`
}

// Sequence is the dependency-ordered generation list. Stages are kept
// apart so consumers can report per stage; All flattens them in order.
type Sequence struct {
	CharacterImages []SequenceEntry `json:"characterImages"`
	LocationImages  []SequenceEntry `json:"locationImages"`
	PlanImages      []SequenceEntry `json:"planImages"`
	Videos          []SequenceEntry `json:"videos"`
}

func (s Sequence) All() []SequenceEntry {
	out := make([]SequenceEntry, 0, s.Len())
	out = append(out, s.CharacterImages...)
	out = append(out, s.LocationImages...)
	out = append(out, s.PlanImages...)
	out = append(out, s.Videos...)
	return out
}

func (s Sequence) Len() int {
	return len(s.CharacterImages) + len(s.LocationImages) + len(s.PlanImages) + len(s.Videos)
}
