package api

import (
	"errors"
	"net/http"

	"StoryFlow-server/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// 获取运行的节点列表：GET /v1/api/pipelines/:run_id/nodes?status=failed
func GetNodes(c *gin.Context) {
	runID := c.Param("run_id")
	records, err := models.GetNodesByRunID(models.GormDB, runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取节点失败: " + err.Error()})
		return
	}

	status := c.Query("status")
	nodes := make([]*models.Node, 0, len(records))
	for _, rec := range records {
		if status != "" && rec.Status != status {
			continue
		}
		n, err := rec.Node()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		nodes = append(nodes, n)
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":      runID,
		"nodes":       nodes,
		"total_nodes": len(nodes),
	})
}

// 获取单个节点详情
func GetNodeDetail(c *gin.Context) {
	runID := c.Param("run_id")
	nodeID := c.Param("node_id")
	rec, err := models.GetNodeRecord(models.GormDB, runID, nodeID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "节点未找到"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	n, err := rec.Node()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"node": n, "updated_at": rec.UpdatedAt})
}
