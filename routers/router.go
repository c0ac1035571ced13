package routers

import (
	"RenderGate-server/routers/api"
	"RenderGate-server/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func InitRouter(guard *service.RenderGuard, cache service.ReportCache) *gin.Engine {
	api.Setup(guard, cache)

	r := gin.Default()
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", api.CreateProject)
		v1.GET("/projects/:project_id", api.GetProject)
		v1.PUT("/projects/:project_id", api.UpdateProject)
		v1.DELETE("/projects/:project_id", api.DeleteProject)
		v1.POST("/projects/:project_id/scenes", api.CreateScene)
		v1.GET("/projects/:project_id/scenes", api.GetScenes)
		v1.GET("/projects/:project_id/scenes/:scene_id", api.GetSceneDetail)
		v1.PUT("/projects/:project_id/scenes/:scene_id", api.UpdateScene)
		v1.DELETE("/projects/:project_id/scenes/:scene_id", api.DeleteScene)
		v1.PUT("/projects/:project_id/scenes/:scene_id/qa", api.UpsertSceneQA)
		v1.POST("/projects/:project_id/scenes/:scene_id/qa/approve", api.ApproveSceneQA)
		v1.POST("/projects/:project_id/scenes/:scene_id/qa/reject", api.RejectSceneQA)
		v1.POST("/projects/:project_id/scenes/:scene_id/regenerate", api.RegenerateScene)
		v1.GET("/projects/:project_id/quality-report", api.GetQualityReport)
		v1.POST("/projects/:project_id/render", api.RenderProject)
		v1.GET("/jobs/:job_id", api.GetJobStatus)
	}
	r.GET("/jobs/:job_id/wss", api.JobProgressWebSocket)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
