package api

import (
	"database/sql"
	"log"
	"net/http"
	"time"

	"RenderGate-server/models"
	"RenderGate-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 创建分镜
func CreateScene(c *gin.Context) {
	projectID := c.Param("project_id")
	var req struct {
		Order       int    `form:"Order" json:"order"`
		Title       string `form:"Title" json:"title"`
		Description string `form:"Description" json:"description"`
		Prompt      string `form:"Prompt" json:"prompt"`
		Transition  string `form:"Transition" json:"transition"`
		DurationSec int    `form:"DurationSec" json:"duration_sec"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project, err := models.GetProjectByID(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}

	// 未指定顺序时排在末尾
	order := req.Order
	if order <= 0 {
		order = project.SceneCount + 1
	}

	scene := models.Scene{
		ID:          uuid.NewString(),
		ProjectId:   projectID,
		Order:       order,
		Title:       req.Title,
		Description: req.Description,
		Prompt:      req.Prompt,
		Status:      models.SceneStatusPending,
		Transition:  req.Transition,
		DurationSec: req.DurationSec,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := models.CreateScene(&scene); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建分镜失败: " + err.Error()})
		return
	}
	if err := models.AddProjectSceneCount(projectID, 1); err != nil {
		log.Printf("更新项目分镜计数失败: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{"scene": scene})
}

// 获取分镜列表（附带各分镜的现行评估记录）
func GetScenes(c *gin.Context) {
	projectID := c.Param("project_id")

	scenes, err := models.GetScenesByProjectID(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取分镜失败: " + err.Error()})
		return
	}

	items := make([]gin.H, 0, len(scenes))
	for _, s := range scenes {
		item := gin.H{"scene": s}
		record, err := models.GetCurrentQARecordByScene(projectID, s.ID)
		if err == nil {
			item["qa_record"] = record
		} else if err != sql.ErrNoRows {
			log.Printf("查询分镜评估记录失败: %v", err)
		}
		items = append(items, item)
	}

	c.JSON(http.StatusOK, gin.H{"scenes": items})
}

// 获取单个分镜详情
func GetSceneDetail(c *gin.Context) {
	projectID := c.Param("project_id")
	sceneID := c.Param("scene_id")

	scene, err := models.GetSceneByID(projectID, sceneID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "分镜未找到: " + err.Error()})
		return
	}

	resp := gin.H{"scene": scene}
	record, err := models.GetCurrentQARecordByScene(projectID, sceneID)
	if err == nil {
		resp["qa_record"] = record
	} else if err != sql.ErrNoRows {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询评估记录失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// 更新分镜字段。分镜参数变更后在途的重生任务已经过期，先取消再更新。
func UpdateScene(c *gin.Context) {
	projectID := c.Param("project_id")
	sceneID := c.Param("scene_id")
	var req struct {
		Title       string `form:"Title" json:"title"`
		Prompt      string `form:"Prompt" json:"prompt"`
		Transition  string `form:"Transition" json:"transition"`
		DurationSec int    `form:"DurationSec" json:"duration_sec"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := models.GetSceneByID(projectID, sceneID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "分镜未找到: " + err.Error()})
		return
	}

	jobs, err := models.GetProcessingJobs(projectID)
	if err != nil {
		log.Printf("查询 processing 任务失败: %v", err)
	} else {
		for _, j := range jobs {
			if j.Type != models.JobTypeRegenerateScene || j.SceneId != sceneID {
				continue
			}
			if j.Result.ResourceId != "" {
				if err := service.CancelWorkerJob(j.Result.ResourceId); err != nil {
					log.Printf("通知 worker 删除 job %s 失败: %v", j.Result.ResourceId, err)
				}
			}
			if service.CancelPollJob(j.ID) {
				log.Printf("Cancelled poll for job %s", j.ID)
			}
			msg := "cancelled due to scene update"
			if err := models.UpdateJobStatusFields(j.ID, models.JobStatusCancelled, nil, &msg, nil, nil, nil, nil); err != nil {
				log.Printf("标记任务取消失败 %s: %v", j.ID, err)
			}
		}
	}

	if err := models.UpdateSceneByID(projectID, sceneID, req.Title, req.Prompt, req.Transition, req.DurationSec); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "更新分镜失败: " + err.Error()})
		return
	}

	scene, err := models.GetSceneByID(projectID, sceneID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取分镜失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"scene": scene})
}

// 删除分镜（连同其全部评估记录）
func DeleteScene(c *gin.Context) {
	projectID := c.Param("project_id")
	sceneID := c.Param("scene_id")

	if _, err := models.GetSceneByID(projectID, sceneID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "分镜未找到: " + err.Error()})
		return
	}

	if err := models.DeleteQARecordsByScene(projectID, sceneID); err != nil {
		log.Printf("删除评估记录失败: %v", err)
	}
	if err := models.DeleteSceneByID(projectID, sceneID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除分镜失败: " + err.Error()})
		return
	}
	if err := models.AddProjectSceneCount(projectID, -1); err != nil {
		log.Printf("更新项目分镜计数失败: %v", err)
	}

	// 分镜集合变了，项目质量报告需要重算
	cache.InvalidateReport(c.Request.Context(), projectID)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "分镜已删除",
	})
}
