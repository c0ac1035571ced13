package service

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"RenderGate-server/config"

	"github.com/hibiken/asynq"
)

const (
	TypeRenderVideo     = "job:render"
	TypeRegenerateScene = "job:regenerate"
)

type JobPayload struct {
	JobID string `json:"job_id"`
}

var QueueClient *asynq.Client

// InitQueue 初始化
func InitQueue() {
	QueueClient = asynq.NewClient(asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	})
}

// EnqueueJob 渲染/重生任务入队
func EnqueueJob(taskType string, jobID string) error {
	payload, err := json.Marshal(JobPayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(taskType, payload,
		asynq.MaxRetry(3),             // 失败重试 3 次
		asynq.Timeout(20*time.Minute), // 渲染较慢，设置较长超时
		asynq.Retention(24*time.Hour), // 任务结果在 Redis 保留时间
	)

	info, err := QueueClient.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}

	log.Printf("[Queue] Job Enqueued: Type=%s, JobID=%s, QueueID=%s", taskType, jobID, info.ID)
	return nil
}
