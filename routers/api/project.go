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

// 创建项目（可携带初始分镜列表，分镜此时还没有质量评估记录）
func CreateProject(c *gin.Context) {
	var req struct {
		Title       string `form:"Title" json:"title"`
		Description string `form:"Description" json:"description"`
		Style       string `form:"Style" json:"style"`
		Scenes      []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Prompt      string `json:"prompt"`
			Transition  string `json:"transition"`
			DurationSec int    `json:"duration_sec"`
		} `json:"scenes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title 不能为空"})
		return
	}

	project := models.Project{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		Style:       req.Style,
		Status:      models.ProjectStatusCreated,
		CoverImage:  "",
		Duration:    0,
		VideoUrl:    "",
		SceneCount:  len(req.Scenes),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	if err := models.CreateProject(&project); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建项目失败: " + err.Error()})
		return
	}

	// 初始分镜按请求顺序编号，一次性入库
	scenes := make([]models.Scene, 0, len(req.Scenes))
	sceneIDs := make([]string, 0, len(req.Scenes))
	for i, s := range req.Scenes {
		scene := models.Scene{
			ID:          uuid.NewString(),
			ProjectId:   project.ID,
			Order:       i + 1,
			Title:       s.Title,
			Description: s.Description,
			Prompt:      s.Prompt,
			Status:      models.SceneStatusPending,
			Transition:  s.Transition,
			DurationSec: s.DurationSec,
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
		}
		scenes = append(scenes, scene)
		sceneIDs = append(sceneIDs, scene.ID)
	}
	if err := models.BatchCreateScenes(models.GormDB, scenes); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建分镜失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id": project.ID,
		"scene_ids":  sceneIDs,
	})
}

// 获取项目详情：项目 + 分镜列表 + 当前质量报告 + 最近任务
func GetProject(c *gin.Context) {
	projectID := c.Param("project_id")

	project, err := models.GetProjectByID(projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}

	scenes, err := models.GetScenesByProjectID(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取分镜失败: " + err.Error()})
		return
	}

	report, err := guard.ProjectReport(c.Request.Context(), projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "质量报告生成失败: " + err.Error()})
		return
	}

	// 获取最近任务（如果有）
	var recentJob *models.Job
	row := models.DB.QueryRow(`SELECT id, project_id, scene_id, type, status, progress, message, parameters, result, error, forced, requested_by, started_at, finished_at, created_at, updated_at FROM job WHERE project_id = ? ORDER BY created_at DESC LIMIT 1`, projectID)
	j, err := models.ScanJobRow(row)
	if err != nil {
		if err != sql.ErrNoRows {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "查询最近任务失败: " + err.Error()})
			return
		}
		// 没有任务，recentJob 保持 nil
	} else {
		recentJob = &j
	}

	c.JSON(http.StatusOK, gin.H{
		"project_detail": project,
		"scenes":         scenes,
		"qa_report":      report,
		"recent_job":     recentJob,
	})
}

// 更新项目信息
func UpdateProject(c *gin.Context) {
	projectID := c.Param("project_id")
	var req struct {
		Title       string `form:"Title" json:"title"`
		Description string `form:"Description" json:"description"`
		Style       string `form:"Style" json:"style"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := models.GetProjectByID(projectID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}

	if err := models.UpdateProjectByID(projectID, req.Title, req.Description, req.Style); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "更新项目失败: " + err.Error()})
		return
	}

	updatedProject, err := models.GetProjectByID(projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取项目失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project":  updatedProject,
		"updateAT": updatedProject.UpdatedAt,
	})
}

// 删除项目
func DeleteProject(c *gin.Context) {
	projectID := c.Param("project_id")

	// 在删除前取消正在 processing 的任务并标记 cancelled
	jobs, err := models.GetProcessingJobs(projectID)
	if err != nil {
		log.Printf("查询 processing 任务失败: %v", err)
	} else {
		for _, j := range jobs {
			// 解析 worker 侧 job_id 并通知 worker 删除
			if j.Result.ResourceId != "" {
				if err := service.CancelWorkerJob(j.Result.ResourceId); err != nil {
					log.Printf("通知 worker 删除 job %s 失败: %v", j.Result.ResourceId, err)
				} else {
					log.Printf("已通知 worker 删除 job %s", j.Result.ResourceId)
				}
			}

			if service.CancelPollJob(j.ID) {
				log.Printf("Cancelled poll for job %s before project delete", j.ID)
			}
			msg := "cancelled due to project delete"
			if err := models.UpdateJobStatusFields(j.ID, models.JobStatusCancelled, nil, &msg, nil, nil, nil, nil); err != nil {
				log.Printf("标记任务取消失败 %s: %v", j.ID, err)
			}
		}
	}

	// 级联删除评估记录、分镜、任务，最后删除项目
	if err := models.DeleteQARecordsByProjectID(projectID); err != nil {
		log.Printf("删除评估记录失败: %v", err)
	}
	if err := models.DeleteScenesByProjectID(projectID); err != nil {
		log.Printf("删除分镜失败: %v", err)
	}
	if err := models.DeleteJobsByProjectID(projectID); err != nil {
		log.Printf("删除任务失败: %v", err)
	}
	if err := models.DeleteProjectByID(projectID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除项目失败: " + err.Error()})
		return
	}

	// 缓存的质量报告一并作废
	cache.InvalidateReport(c.Request.Context(), projectID)

	deleteAt := time.Now()

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"deleteAt": deleteAt,
		"message":  "项目已删除",
	})
}
