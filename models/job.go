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

// 任务状态（在系统中统一使用这些状态）
const (
	// pending: 任务已就绪，等待执行器取走执行
	JobStatusPending = "pending"
	// processing: 任务正在执行中
	JobStatusProcessing = "processing"
	JobStatusSuccess    = "finished"
	JobStatusFailed     = "failed"
	// cancelled: 任务被用户/系统取消（例如项目删除时取消正在 processing 的任务）
	JobStatusCancelled = "cancelled"

	// 两种核心任务类型
	JobTypeRenderVideo     = "render_video"     // 整片渲染（通过质量门禁后触发）
	JobTypeRegenerateScene = "regenerate_scene" // 被驳回分镜的资产重生
)

type Job struct {
	ID          string        `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId   string        `json:"projectId"`
	SceneId     string        `json:"sceneId,omitempty"`
	Type        string        `json:"type"`
	Status      string        `json:"status"`
	Progress    int           `json:"progress"`
	Message     string        `json:"message"`
	Parameters  JobParameters `gorm:"type:json" json:"parameters"`
	Result      JobResult     `gorm:"type:json" json:"result"`
	Error       string        `json:"error"`
	Forced      bool          `json:"forced"`
	RequestedBy string        `json:"requestedBy"`
	StartedAt   time.Time     `json:"startedAt"`
	FinishedAt  time.Time     `json:"finishedAt"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

type JobParameters struct {
	Render *RenderParams `json:"render,omitempty"`
	Regen  *RegenParams  `json:"regen,omitempty"`
}

type RenderParams struct {
	Resolution string `json:"resolution"`
	FPS        int    `json:"fps"`
	Format     string `json:"format"`
	Bitrate    int    `json:"bitrate"`
}

type RegenParams struct {
	Prompt      string `json:"prompt"`
	Style       string `json:"style"`
	ImageWidth  string `json:"image_width"`
	ImageHeight string `json:"image_height"`
	Transition  string `json:"transition"`
}

// JobResult 仅保留最小资源定位信息
type JobResult struct {
	ResourceType string `json:"resource_type"` // e.g., "video", "image"
	ResourceId   string `json:"resource_id"`
	ResourceUrl  string `json:"resource_url"`
	// 渲染成片时长（秒），由 worker 返回，写回 project.duration
	DurationSec int `json:"duration_sec,omitempty"`
}

// 实现 driver.Valuer 接口: Go Struct -> JSON String (存入数据库)
func (p JobParameters) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// 实现 sql.Scanner 接口: JSON String -> Go Struct (从数据库读取)
func (p *JobParameters) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSONB value:", value))
	}
	return json.Unmarshal(bytes, p)
}

// 实现 driver.Valuer 接口
func (r JobResult) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// 实现 sql.Scanner 接口
func (r *JobResult) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSONB value:", value))
	}
	return json.Unmarshal(bytes, r)
}

func (j *Job) UpdateStatus(db *gorm.DB, status string, result interface{}, errMsg string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	switch status {
	case JobStatusProcessing:
		updates["started_at"] = time.Now()
	case JobStatusSuccess, JobStatusFailed, JobStatusCancelled:
		updates["finished_at"] = time.Now()
		if status == JobStatusSuccess {
			updates["progress"] = 100
		}
	}
	if result != nil {
		jsonBytes, err := json.Marshal(result)
		if err != nil {
			log.Printf("序列化任务结果失败: %v", err)
		} else {
			updates["result"] = jsonBytes
		}
	}

	if errMsg != "" {
		updates["error"] = errMsg
	}
	return db.Model(j).Updates(updates).Error
}

func GetJobByIDGorm(db *gorm.DB, jobID string) (*Job, error) {
	var job Job
	if err := db.First(&job, "id = ?", jobID).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (Job) TableName() string {
	return "job"
}
