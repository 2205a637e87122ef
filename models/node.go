package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NodeRecord persists one node of a run so a crashed pipeline can resume
// with its statuses, generated references and retry counters intact.
type NodeRecord struct {
	RunID     string         `gorm:"primaryKey;type:varchar(64)" json:"runId"`
	NodeID    string         `gorm:"primaryKey;type:varchar(191)" json:"nodeId"`
	Kind      string         `gorm:"type:varchar(32)" json:"kind"`
	Status    string         `gorm:"type:varchar(16);index" json:"status"`
	Attempts  int            `json:"attempts"`
	Data      datatypes.JSON `json:"data"`
	PositionX float64        `json:"positionX"`
	PositionY float64        `json:"positionY"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (NodeRecord) TableName() string {
	return "pipeline_node"
}

// GraphSnapshot stores the plan, the edges and the generation sequence of a
// run. Node state lives in NodeRecord.
type GraphSnapshot struct {
	RunID     string         `gorm:"primaryKey;type:varchar(64)" json:"runId"`
	Plan      datatypes.JSON `json:"plan"`
	Edges     datatypes.JSON `json:"edges"`
	Sequence  datatypes.JSON `json:"sequence"`
	CreatedAt time.Time      `json:"createdAt"`
}

func (GraphSnapshot) TableName() string {
	return "pipeline_graph"
}

func NodeRecordFrom(runID string, n *Node) (NodeRecord, error) {
	b, err := json.Marshal(n.Data)
	if err != nil {
		return NodeRecord{}, fmt.Errorf("marshal node %s: %w", n.ID, err)
	}
	return NodeRecord{
		RunID:     runID,
		NodeID:    n.ID,
		Kind:      string(n.Kind),
		Status:    string(n.Data.Status),
		Attempts:  n.Data.Attempts,
		Data:      datatypes.JSON(b),
		PositionX: n.Position.X,
		PositionY: n.Position.Y,
		UpdatedAt: time.Now(),
	}, nil
}

func (r NodeRecord) Node() (*Node, error) {
	n := &Node{
		ID:       r.NodeID,
		Kind:     NodeKind(r.Kind),
		Position: Position{X: r.PositionX, Y: r.PositionY},
	}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &n.Data); err != nil {
			return nil, fmt.Errorf("unmarshal node %s: %w", r.NodeID, err)
		}
	}
	return n, nil
}

// GormGraphStore checkpoints one run's graph into MySQL.
type GormGraphStore struct {
	DB    *gorm.DB
	RunID string
}

func NewGormGraphStore(db *gorm.DB, runID string) *GormGraphStore {
	return &GormGraphStore{DB: db, RunID: runID}
}

func (s *GormGraphStore) SaveSnapshot(ctx context.Context, plan *Plan, g *Graph, seq Sequence) error {
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	edgesJSON, err := json.Marshal(g.Edges)
	if err != nil {
		return err
	}
	seqJSON, err := json.Marshal(seq)
	if err != nil {
		return err
	}
	records := make([]NodeRecord, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		rec, err := NodeRecordFrom(s.RunID, n)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snap := GraphSnapshot{
			RunID:     s.RunID,
			Plan:      datatypes.JSON(planJSON),
			Edges:     datatypes.JSON(edgesJSON),
			Sequence:  datatypes.JSON(seqJSON),
			CreatedAt: time.Now(),
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&snap).Error; err != nil {
			return fmt.Errorf("save graph snapshot: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(records, 200).Error
	})
}

func (s *GormGraphStore) SaveNode(ctx context.Context, n *Node) error {
	rec, err := NodeRecordFrom(s.RunID, n)
	if err != nil {
		return err
	}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}

// Load rebuilds the stored plan, graph and sequence. found is false when
// the run never reached materialisation.
func (s *GormGraphStore) Load(ctx context.Context) (plan *Plan, g *Graph, seq Sequence, found bool, err error) {
	var snap GraphSnapshot
	if err = s.DB.WithContext(ctx).First(&snap, "run_id = ?", s.RunID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, Sequence{}, false, nil
		}
		return nil, nil, Sequence{}, false, err
	}
	plan = &Plan{}
	if err = json.Unmarshal(snap.Plan, plan); err != nil {
		return nil, nil, Sequence{}, false, fmt.Errorf("decode plan: %w", err)
	}
	g = &Graph{}
	if err = json.Unmarshal(snap.Edges, &g.Edges); err != nil {
		return nil, nil, Sequence{}, false, fmt.Errorf("decode edges: %w", err)
	}
	if err = json.Unmarshal(snap.Sequence, &seq); err != nil {
		return nil, nil, Sequence{}, false, fmt.Errorf("decode sequence: %w", err)
	}
	var records []NodeRecord
	if err = s.DB.WithContext(ctx).Where("run_id = ?", s.RunID).Find(&records).Error; err != nil {
		return nil, nil, Sequence{}, false, err
	}
	for _, rec := range records {
		n, err := rec.Node()
		if err != nil {
			return nil, nil, Sequence{}, false, err
		}
		g.AddNode(n)
	}
	return plan, g, seq, true, nil
}

func GetNodesByRunID(db *gorm.DB, runID string) ([]NodeRecord, error) {
	var records []NodeRecord
	err := db.Where("run_id = ?", runID).Order("node_id ASC").Find(&records).Error
	return records, err
}

func GetNodeRecord(db *gorm.DB, runID, nodeID string) (*NodeRecord, error) {
	var rec NodeRecord
	if err := db.First(&rec, "run_id = ? AND node_id = ?", runID, nodeID).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}
