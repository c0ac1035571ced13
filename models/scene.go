package models

import (
	"time"

	"gorm.io/gorm"
)

// 分镜资产生成状态（与 QA 评审状态相互独立）
const (
	SceneStatusPending    = "pending"
	SceneStatusProcessing = "processing"
	SceneStatusCompleted  = "completed"
	SceneStatusFailed     = "failed"
)

type Scene struct {
    ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
    ProjectId   string    `json:"projectId"`
    Order       int       `json:"order"`
    Title       string    `json:"title"`
    Description string    `json:"description"`
    Prompt      string    `json:"prompt"`
    Status      string    `json:"status"`
    AssetPath   string    `json:"assetPath"`
    Transition  string    `json:"transition"`
    DurationSec int       `json:"durationSec"`
    CreatedAt   time.Time `json:"createdAt"`
    UpdatedAt   time.Time `json:"updatedAt"`
}

func BatchCreateScenes(db *gorm.DB, scenes []Scene) error {
	if len(scenes) == 0 {
		return nil
	}
	return db.Create(&scenes).Error
}

// UpdateAsset 写入重新生成后的资产地址并标记完成
func (s *Scene) UpdateAsset(db *gorm.DB, assetPath string) error {
	updates := map[string]interface{}{
		"asset_path": assetPath,
		"status":     SceneStatusCompleted,
		"updated_at": time.Now(),
	}
	return db.Model(s).Updates(updates).Error
}

func GetSceneByIDGorm(db *gorm.DB, sceneID string) (*Scene, error) {
    var scene Scene
    if err := db.First(&scene, "id = ?", sceneID).Error; err != nil {
        return nil, err
    }
    return &scene, nil
}

func (Scene) TableName() string {
    return "scene"
}
