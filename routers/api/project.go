package api

import (
	"errors"
	"log"
	"net/http"

	"StoryFlow-server/config"
	"StoryFlow-server/models"
	"StoryFlow-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type createProjectRequest struct {
	Title     string            `json:"title" binding:"required,max=200"`
	Synopsis  string            `json:"synopsis" binding:"required"`
	Moodboard []models.Document `json:"moodboard" binding:"omitempty,dive"`
	// Config starts a pipeline run right away when present.
	Config *models.RunConfig `json:"config"`
}

type startPipelineRequest struct {
	Config models.RunConfig `json:"config"`
}

func tokenBudget() int {
	if config.AppConfig != nil {
		return config.AppConfig.Pipeline.TokenBudget
	}
	return models.DefaultTokenBudget
}

// 创建项目（brief 入库），可选直接启动一次 pipeline
func CreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": service.CodeInvalidBrief})
		return
	}
	project := models.Project{
		ID:        uuid.NewString(),
		Title:     req.Title,
		Synopsis:  req.Synopsis,
		Moodboard: req.Moodboard,
	}
	if err := project.Brief().Validate(tokenBudget()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": service.CodeInvalidBrief})
		return
	}

	if err := models.CreateProject(models.GormDB, &project); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建项目失败: " + err.Error()})
		return
	}

	resp := gin.H{"project_id": project.ID}
	if req.Config != nil {
		run, err := startRun(&project, *req.Config)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "启动 pipeline 失败: " + err.Error(), "project_id": project.ID})
			return
		}
		resp["run_id"] = run.ID
	}
	c.JSON(http.StatusOK, resp)
}

// 获取项目详情及其运行记录
func GetProject(c *gin.Context) {
	projectID := c.Param("project_id")
	project, err := models.GetProjectByIDGorm(models.GormDB, projectID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	runs, err := models.GetRunsByProjectID(models.GormDB, projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取运行记录失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project_detail": project,
		"runs":           runs,
	})
}

// 启动 pipeline：POST /v1/api/projects/:project_id/pipelines
func StartPipeline(c *gin.Context) {
	projectID := c.Param("project_id")
	var req startPipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": service.CodeInvalidInput})
		return
	}
	project, err := models.GetProjectByIDGorm(models.GormDB, projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}
	run, err := startRun(project, req.Config)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "启动 pipeline 失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":     run.ID,
		"project_id": project.ID,
		"events":     "/v1/api/pipelines/" + run.ID + "/events",
	})
}

func startRun(project *models.Project, cfg models.RunConfig) (*models.PipelineRun, error) {
	run := &models.PipelineRun{
		ID:          uuid.NewString(),
		ProjectId:   project.ID,
		ProjectName: project.Title,
		Config:      cfg,
	}
	if err := models.CreateRun(models.GormDB, run); err != nil {
		return nil, err
	}
	if err := service.EnqueueRun(models.GormDB, run.ID, false); err != nil {
		log.Printf("run %s 入队失败: %v", run.ID, err)
		run.UpdateStatus(models.GormDB, models.RunStatusFailed, nil, service.CodeInternal, err.Error())
		return nil, err
	}
	return run, nil
}
