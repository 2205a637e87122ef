package api

import (
	"context"
	"errors"
	"net/http"

	"StoryFlow-server/models"
	"StoryFlow-server/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Replay feeds a run's events, oldest first, until the terminal one.
// Tests swap it for an in-memory source.
var Replay = func(ctx context.Context, runID string, fn func(models.Event) error) error {
	if service.RedisClient == nil {
		return errors.New("event store not initialised")
	}
	return service.ReplayEvents(ctx, service.RedisClient, runID, fn)
}

// 查询运行状态：GET /v1/api/pipelines/:run_id
func GetPipelineRun(c *gin.Context) {
	runID := c.Param("run_id")
	run, err := models.GetRunByIDGorm(models.GormDB, runID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

// 取消运行：DELETE /v1/api/pipelines/:run_id
func CancelPipeline(c *gin.Context) {
	runID := c.Param("run_id")
	run, err := models.GetRunByIDGorm(models.GormDB, runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found: " + err.Error()})
		return
	}
	switch run.Status {
	case models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled:
		c.JSON(http.StatusConflict, gin.H{"error": "run already " + run.Status})
		return
	}
	running, err := service.CancelRun(run)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// 没有处理器在执行时由这里落库，否则由处理器写入 cancelled
	if !running {
		run.UpdateStatus(models.GormDB, models.RunStatusCancelled, nil, service.CodeCancelled, "cancelled while not executing")
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "cancelled": true, "task_id": run.QueueTaskID()})
}

// 事件流（SSE）：GET /v1/api/pipelines/:run_id/events
func PipelineEvents(c *gin.Context) {
	runID := c.Param("run_id")
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	fw := service.NewFrameWriter(c.Writer)
	if err := Replay(c.Request.Context(), runID, fw.Publish); err != nil && c.Request.Context().Err() == nil {
		_ = fw.Publish(models.Event{Type: models.EventError, RunID: runID, Code: service.CodeInternal, Message: err.Error()})
	}
}

// 事件流（WebSocket）：GET /pipelines/:run_id/wss，每个事件一条 JSON 消息
func PipelineWebSocket(c *gin.Context) {
	runID := c.Param("run_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "WebSocket升级失败"})
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	// 客户端断开时停止推送
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	err = Replay(ctx, runID, func(ev models.Event) error {
		return conn.WriteJSON(ev)
	})
	if err != nil && ctx.Err() == nil {
		_ = conn.WriteJSON(gin.H{"error": err.Error()})
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
