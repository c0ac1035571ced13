package models

import "time"

// 项目状态常量（渲染生命周期，业务层统一使用）
const (
	ProjectStatusCreated   = "created"   // 项目已创建，尚未请求渲染
	ProjectStatusRendering = "rendering" // 渲染任务进行中（render_in_flight 已占用）
	ProjectStatusReady     = "ready"     // 渲染完成，成片可播放/导出
	ProjectStatusFailed    = "failed"    // 最近一次渲染失败
)

type Project struct {
    ID             string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
    Title          string    `json:"title"`
    Description    string    `json:"description"`
    Style          string    `json:"style"`
    Status         string    `json:"status"`
    CoverImage     string    `json:"coverImage"`
    Duration       int       `json:"duration"`
    VideoUrl       string    `json:"videoUrl"`
    SceneCount     int       `json:"sceneCount"`
    RenderInFlight bool      `json:"renderInFlight"`
    CreatedAt      time.Time `json:"createdAt"`
    UpdatedAt      time.Time `json:"updatedAt"`
}

func (Project) TableName() string {
    return "project"
}
