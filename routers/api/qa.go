package api

import (
	"database/sql"
	"errors"
	"log"
	"net/http"
	"time"

	"RenderGate-server/models"
	"RenderGate-server/qualitygate"
	"RenderGate-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 接收一次分镜质量评估（自动分析写回或人工录入）。
// 不存在现行记录时新建；存在时只允许合法的状态跳转，已固化的记录拒绝修改。
func UpsertSceneQA(c *gin.Context) {
	projectID := c.Param("project_id")
	sceneID := c.Param("scene_id")
	var req struct {
		Status         string   `json:"status"`
		OverallScore   float64  `json:"overall_score"`
		CriticalIssues int      `json:"critical_issues"`
		Issues         []string `json:"issues"`
		Source         string   `json:"source"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// 评估数据的合法性与评估器同一套校验，非法数据在入口就拒绝
	rec := qualitygate.SceneRecord{
		SceneID:        sceneID,
		Status:         qualitygate.Status(req.Status),
		OverallScore:   req.OverallScore,
		CriticalIssues: req.CriticalIssues,
	}
	if err := qualitygate.ValidateRecord(rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source := req.Source
	if source == "" {
		source = models.QASourceAutomated
	}
	if source != models.QASourceAutomated && source != models.QASourceManual {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source 只能是 automated 或 manual"})
		return
	}

	if _, err := models.GetSceneByID(projectID, sceneID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "分镜未找到: " + err.Error()})
		return
	}

	status := models.SceneQAStatus(req.Status)
	current, err := models.GetCurrentQARecordByScene(projectID, sceneID)
	if err != nil {
		if err != sql.ErrNoRows {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "查询评估记录失败: " + err.Error()})
			return
		}
		// 首次评估直接建档
		record := models.SceneQARecord{
			ID:             uuid.NewString(),
			ProjectId:      projectID,
			SceneId:        sceneID,
			Status:         status,
			OverallScore:   req.OverallScore,
			CriticalIssues: req.CriticalIssues,
			Issues:         models.IssueList(req.Issues),
			Source:         source,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}
		if err := models.CreateSceneQARecord(&record); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "创建评估记录失败: " + err.Error()})
			return
		}
		cache.InvalidateReport(c.Request.Context(), projectID)
		c.JSON(http.StatusOK, gin.H{"qa_record": record})
		return
	}

	if current.Locked {
		c.JSON(http.StatusConflict, gin.H{"error": models.ErrRecordLocked.Error()})
		return
	}
	// 同状态只是刷新分数/问题清单，不构成状态跳转
	if current.Status != status && !models.CanTransitionQAStatus(current.Status, status) {
		c.JSON(http.StatusConflict, gin.H{"error": models.ErrIllegalTransition.Error() + ": " + string(current.Status) + " -> " + string(status)})
		return
	}
	if err := models.UpdateQAAssessment(current.ID, status, req.OverallScore, req.CriticalIssues, models.IssueList(req.Issues), source); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "更新评估记录失败: " + err.Error()})
		return
	}

	cache.InvalidateReport(c.Request.Context(), projectID)

	updated, err := models.GetCurrentQARecordByScene(projectID, sceneID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询评估记录失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"qa_record": updated})
}

// 人工评审通过
func ApproveSceneQA(c *gin.Context) {
	reviewSceneQA(c, models.QAStatusApproved)
}

// 人工评审驳回
func RejectSceneQA(c *gin.Context) {
	reviewSceneQA(c, models.QAStatusRejected)
}

func reviewSceneQA(c *gin.Context, target models.SceneQAStatus) {
	projectID := c.Param("project_id")
	sceneID := c.Param("scene_id")

	current, err := models.GetCurrentQARecordByScene(projectID, sceneID)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "该分镜还没有质量评估记录"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询评估记录失败: " + err.Error()})
		return
	}
	if current.Locked {
		c.JSON(http.StatusConflict, gin.H{"error": models.ErrRecordLocked.Error()})
		return
	}
	if !models.CanTransitionQAStatus(current.Status, target) {
		c.JSON(http.StatusConflict, gin.H{"error": models.ErrIllegalTransition.Error() + ": " + string(current.Status) + " -> " + string(target)})
		return
	}

	if err := models.UpdateQAStatus(current.ID, target, models.QASourceManual); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "更新评估记录失败: " + err.Error()})
		return
	}

	cache.InvalidateReport(c.Request.Context(), projectID)

	updated, err := models.GetCurrentQARecordByScene(projectID, sceneID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询评估记录失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"qa_record": updated})
}

// 请求重新生成分镜资产。
// 只有被驳回的分镜可以在本评估周期内重生；被成功渲染固化的记录
// 不论状态如何，都通过作废旧记录、新建 pending 记录开启新周期。
func RegenerateScene(c *gin.Context) {
	projectID := c.Param("project_id")
	sceneID := c.Param("scene_id")
	var req struct {
		Prompt      string `form:"prompt" json:"prompt"`
		Style       string `form:"style" json:"style"`
		ImageWidth  string `form:"image_width" json:"image_width"`
		ImageHeight string `form:"image_height" json:"image_height"`
		Transition  string `form:"transition" json:"transition"`
	}
	// 允许空 body：全部参数沿用分镜现值
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	scene, err := models.GetSceneByID(projectID, sceneID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "分镜未找到: " + err.Error()})
		return
	}

	current, err := models.GetCurrentQARecordByScene(projectID, sceneID)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusConflict, gin.H{"error": "分镜尚未经过质量评估，无法重新生成"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询评估记录失败: " + err.Error()})
		return
	}
	if !current.Locked && current.Status != models.QAStatusRejected {
		c.JSON(http.StatusConflict, gin.H{"error": models.ErrIllegalTransition.Error() + ": " + string(current.Status) + " -> " + string(models.QAStatusPending)})
		return
	}

	// 旧记录作废（保留为历史），新评估周期从干净的 pending 记录开始。
	// 作废和新建在同一事务内完成，失败时旧记录保持现行
	fresh := models.SceneQARecord{
		ID:        uuid.NewString(),
		ProjectId: projectID,
		SceneId:   sceneID,
		Status:    models.QAStatusPending,
		Issues:    models.IssueList{},
		Source:    models.QASourceManual,
	}
	if err := models.SupersedeQARecord(current.ID, &fresh); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "重置评估记录失败: " + err.Error()})
		return
	}

	// 现行评估已经变化，缓存的报告立即作废
	cache.InvalidateReport(c.Request.Context(), projectID)

	// 分镜进入重生流程
	if _, err := models.DB.Exec(`UPDATE scene SET status = ?, updated_at = ? WHERE id = ?`, models.SceneStatusProcessing, time.Now(), sceneID); err != nil {
		log.Printf("更新分镜状态失败: %v", err)
	}

	// 请求未覆盖的参数沿用分镜现值
	prompt := req.Prompt
	if prompt == "" {
		prompt = scene.Prompt
	}
	transition := req.Transition
	if transition == "" {
		transition = scene.Transition
	}
	imageWidth := req.ImageWidth
	if imageWidth == "" {
		imageWidth = "1024"
	}
	imageHeight := req.ImageHeight
	if imageHeight == "" {
		imageHeight = "1024"
	}

	job := models.Job{
		ID:        uuid.NewString(),
		ProjectId: projectID,
		SceneId:   sceneID,
		Type:      models.JobTypeRegenerateScene,
		Status:    models.JobStatusPending,
		Progress:  0,
		Message:   "分镜重生任务已创建，等待执行...",
		Parameters: models.JobParameters{
			Regen: &models.RegenParams{
				Prompt:      prompt,
				Style:       req.Style,
				ImageWidth:  imageWidth,
				ImageHeight: imageHeight,
				Transition:  transition,
			},
		},
		RequestedBy: c.GetHeader("X-Caller-Role"),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := models.CreateJob(&job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建重生任务失败: " + err.Error()})
		return
	}
	if err := service.EnqueueJob(service.TypeRegenerateScene, job.ID); err != nil {
		log.Printf("重生任务入队失败: %v", err)
		// 评估周期已重置、任务行已落库，如实提示入队失败
		c.JSON(http.StatusOK, gin.H{
			"job_id":    job.ID,
			"qa_record": fresh,
			"message":   "重生任务已创建，但入队失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":    job.ID,
		"qa_record": fresh,
		"message":   "分镜重新生成任务已入队",
	})
}

// 获取项目质量报告
func GetQualityReport(c *gin.Context) {
	projectID := c.Param("project_id")

	if _, err := models.GetProjectByID(projectID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}

	report, err := guard.ProjectReport(c.Request.Context(), projectID)
	if err != nil {
		if errors.Is(err, qualitygate.ErrInvalidInput) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "存量评估数据非法: " + err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "质量报告生成失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"project_id": projectID,
		"report":     report,
	})
}
