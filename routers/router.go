package routers

import (
	"StoryFlow-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter() *gin.Engine {
	r := gin.Default()
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", api.CreateProject)
		v1.GET("/projects/:project_id", api.GetProject)
		v1.POST("/projects/:project_id/pipelines", api.StartPipeline)
		v1.GET("/pipelines/:run_id", api.GetPipelineRun)
		v1.DELETE("/pipelines/:run_id", api.CancelPipeline)
		v1.GET("/pipelines/:run_id/events", api.PipelineEvents)
		v1.GET("/pipelines/:run_id/nodes", api.GetNodes)
		v1.GET("/pipelines/:run_id/nodes/:node_id", api.GetNodeDetail)
	}
	r.GET("/pipelines/:run_id/wss", api.PipelineWebSocket)
	return r
}
