package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// 项目状态常量
const (
	ProjectStatusCreated   = "created"   // brief 已创建，尚未运行
	ProjectStatusRunning   = "running"   // 有正在执行的 pipeline
	ProjectStatusGenerated = "generated" // 最近一次运行已完成
	ProjectStatusFailed    = "failed"    // 最近一次运行失败
)

type Moodboard []Document

type Project struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title     string    `json:"title"`
	Synopsis  string    `gorm:"type:text" json:"synopsis"`
	Moodboard Moodboard `gorm:"type:json" json:"moodboard"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Project) TableName() string {
	return "project"
}

func (p Project) Brief() Brief {
	return Brief{
		ID:        p.ID,
		Title:     p.Title,
		Synopsis:  p.Synopsis,
		Moodboard: p.Moodboard,
	}
}

func (m Moodboard) Value() (driver.Value, error) {
	if m == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m)
}

func (m *Moodboard) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, m)
}

func CreateProject(db *gorm.DB, p *Project) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = ProjectStatusCreated
	}
	return db.Create(p).Error
}

func GetProjectByIDGorm(db *gorm.DB, id string) (*Project, error) {
	var p Project
	if err := db.First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func UpdateProjectStatus(db *gorm.DB, id, status string) error {
	return db.Model(&Project{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}).Error
}

func GetRunsByProjectID(db *gorm.DB, projectID string) ([]PipelineRun, error) {
	var runs []PipelineRun
	err := db.Where("project_id = ?", projectID).Order("created_at DESC").Find(&runs).Error
	return runs, err
}
