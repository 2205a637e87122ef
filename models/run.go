package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
)

// 运行状态
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

type FrameMode string

const (
	FrameModeFirstOnly FrameMode = "first-only"
	FrameModeFirstLast FrameMode = "first-last"
)

type ReasoningLevel string

const (
	ReasoningLow    ReasoningLevel = "low"
	ReasoningMedium ReasoningLevel = "medium"
	ReasoningHigh   ReasoningLevel = "high"
)

const (
	MaxCouplesPerPlan    = 5
	MaxVideosPerCouple   = 8
	TestCouplesPerPlan   = 2
	TestVideosPerCouple  = 2
	TestVideoDuration    = 5
	DefaultVideoDuration = 5
)

type Settings struct {
	FrameMode        FrameMode `json:"frameMode" binding:"omitempty,oneof=first-only first-last"`
	CouplesPerPlan   int       `json:"couplesPerPlan" binding:"gte=0"`
	VideosPerCouple  int       `json:"videosPerCouple" binding:"gte=0"`
	VideoDuration    int       `json:"videoDuration" binding:"gte=0"`
	VideoAspectRatio string    `json:"videoAspectRatio" binding:"omitempty,oneof=16:9 9:16 1:1 4:3"`
	TestMode         bool      `json:"testMode"`
}

// RunConfig is the enumerated record accepted at ingest.
type RunConfig struct {
	LLMProvider          string            `json:"llmProvider"`
	AIModel              string            `json:"aiModel"`
	ReasoningLevel       ReasoningLevel    `json:"reasoningLevel" binding:"omitempty,oneof=low medium high"`
	SystemPromptOverride string            `json:"systemPromptOverride,omitempty"`
	CustomInstructions   string            `json:"customInstructions,omitempty"`
	Settings             Settings          `json:"settings"`
	AdvancedPromptConfig map[string]string `json:"advancedPromptConfig,omitempty"`
}

// Normalise clamps settings into their legal ranges and returns one note
// per value it had to change. Test mode caps fan-out and forces a short
// video duration.
func (c *RunConfig) Normalise() []string {
	var notes []string
	s := &c.Settings
	if c.ReasoningLevel == "" {
		c.ReasoningLevel = ReasoningMedium
	}
	if s.VideoAspectRatio == "" {
		s.VideoAspectRatio = "16:9"
	}
	clamp := func(name string, v *int, lo, hi int) {
		orig := *v
		if *v < lo {
			*v = lo
		}
		if *v > hi {
			*v = hi
		}
		if orig != *v && orig != 0 {
			notes = append(notes, fmt.Sprintf("%s clamped from %d to %d", name, orig, *v))
		}
	}
	clamp("couplesPerPlan", &s.CouplesPerPlan, 1, MaxCouplesPerPlan)
	clamp("videosPerCouple", &s.VideosPerCouple, 1, MaxVideosPerCouple)
	if s.VideoDuration <= 0 {
		s.VideoDuration = DefaultVideoDuration
	}
	if s.TestMode {
		if s.CouplesPerPlan > TestCouplesPerPlan {
			notes = append(notes, fmt.Sprintf("test mode: couplesPerPlan clamped from %d to %d", s.CouplesPerPlan, TestCouplesPerPlan))
			s.CouplesPerPlan = TestCouplesPerPlan
		}
		if s.VideosPerCouple > TestVideosPerCouple {
			notes = append(notes, fmt.Sprintf("test mode: videosPerCouple clamped from %d to %d", s.VideosPerCouple, TestVideosPerCouple))
			s.VideosPerCouple = TestVideosPerCouple
		}
		if s.VideoDuration != TestVideoDuration {
			notes = append(notes, fmt.Sprintf("test mode: videoDuration forced from %d to %d", s.VideoDuration, TestVideoDuration))
			s.VideoDuration = TestVideoDuration
		}
	}
	return notes
}

type PipelineRun struct {
	ID          string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId   string     `gorm:"type:varchar(64);index" json:"projectId"`
	ProjectName string     `json:"projectName"`
	Config      RunConfig  `gorm:"type:json" json:"config"`
	Status      string     `gorm:"type:varchar(16);index" json:"status"`
	TaskID      string     `gorm:"type:varchar(128)" json:"taskId"`
	Phase       string     `gorm:"type:varchar(16)" json:"phase"`
	Progress    int        `json:"progress"`
	Summary     Summary    `gorm:"type:json" json:"summary"`
	ErrorCode   string     `json:"errorCode"`
	Error       string     `gorm:"type:text" json:"error"`
	StartedAt   *time.Time `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (PipelineRun) TableName() string {
	return "pipeline_run"
}

// 实现 driver.Valuer 接口: Go Struct -> JSON String (存入数据库)
func (c RunConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// 实现 sql.Scanner 接口: JSON String -> Go Struct (从数据库读取)
func (c *RunConfig) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, c)
}

func (s Summary) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *Summary) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, s)
}

func (r *PipelineRun) UpdateStatus(db *gorm.DB, status string, summary *Summary, code, errMsg string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}
	switch status {
	case RunStatusRunning:
		updates["started_at"] = now
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		updates["finished_at"] = now
	}
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			log.Printf("序列化运行摘要失败: %v", err)
		} else {
			updates["summary"] = b
		}
	}
	if code != "" {
		updates["error_code"] = code
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	return db.Model(r).Updates(updates).Error
}

// Touch records the current phase and progress; it doubles as the
// heartbeat the recovery sweep looks at.
func (r *PipelineRun) Touch(db *gorm.DB, phase string, progress int) error {
	return db.Model(r).Updates(map[string]interface{}{
		"phase":      phase,
		"progress":   progress,
		"updated_at": time.Now(),
	}).Error
}

// QueueTaskID is the id of the asynq task currently carrying the run.
// Rows written before the first enqueue fall back to the run id.
func (r *PipelineRun) QueueTaskID() string {
	if r.TaskID != "" {
		return r.TaskID
	}
	return r.ID
}

// SetRunTaskID records the asynq task now carrying runID.
func SetRunTaskID(db *gorm.DB, runID, taskID string) error {
	return db.Model(&PipelineRun{}).Where("id = ?", runID).Update("task_id", taskID).Error
}

func GetRunByIDGorm(db *gorm.DB, runID string) (*PipelineRun, error) {
	var run PipelineRun
	if err := db.First(&run, "id = ?", runID).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func CreateRun(db *gorm.DB, r *PipelineRun) error {
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = RunStatusPending
	}
	return db.Create(r).Error
}

// ListStaleRuns returns runs still marked running whose heartbeat is
// older than cutoff.
func ListStaleRuns(db *gorm.DB, cutoff time.Time) ([]PipelineRun, error) {
	var runs []PipelineRun
	err := db.Where("status = ? AND updated_at < ?", RunStatusRunning, cutoff).
		Order("updated_at ASC").
		Find(&runs).Error
	return runs, err
}
