package models

import "time"

type EventType string

const (
	EventPhaseStart    EventType = "phase_start"
	EventReasoning     EventType = "reasoning"
	EventProgress      EventType = "progress"
	EventNodeUpdate    EventType = "node_update"
	EventPhaseComplete EventType = "phase_complete"
	EventProjectData   EventType = "project_data"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
)

func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

const (
	PhaseAnalysis   = "analysis"
	PhaseGeneration = "generation"
)

type Progress struct {
	Done    int `json:"done"`
	Total   int `json:"total"`
	Percent int `json:"percent"`
}

// Summary is carried by the complete event. Completed+Failed+Skipped
// always equals Requested.
type Summary struct {
	Requested int      `json:"requested"`
	Completed int      `json:"completed"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Notes     []string `json:"notes,omitempty"`
}

type ProjectData struct {
	ProjectName string    `json:"projectName,omitempty"`
	Plan        *Plan     `json:"plan,omitempty"`
	Graph       *Graph    `json:"graph,omitempty"`
	Sequence    *Sequence `json:"sequence,omitempty"`
}

// Event is one record of the pipeline stream, discriminated by Type.
type Event struct {
	Seq       int64     `json:"seq"`
	Type      EventType `json:"type"`
	RunID     string    `json:"runId,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Phase     string     `json:"phase,omitempty"`
	NodeID    string     `json:"nodeId,omitempty"`
	Status    NodeStatus `json:"status,omitempty"`
	Generated *Generated `json:"generated,omitempty"`
	Delta     string     `json:"delta,omitempty"`
	Message   string     `json:"message,omitempty"`
	Code      string     `json:"code,omitempty"`
	NodeCount int        `json:"nodeCount,omitempty"`

	Progress *Progress    `json:"progress,omitempty"`
	Project  *ProjectData `json:"project,omitempty"`
	Summary  *Summary     `json:"summary,omitempty"`
}
