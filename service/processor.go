package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"RenderGate-server/config"
	"RenderGate-server/models"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"
)

// CancelWorkerJob 通知 worker 删除一个在执行的任务
func CancelWorkerJob(workerJobID string) error {
	if workerJobID == "" {
		return fmt.Errorf("empty worker job id")
	}
	url := config.AppConfig.Worker.Addr + "/v1/jobs/" + workerJobID
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("create delete request failed: %w", err)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("worker delete request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var respData map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&respData)
		return fmt.Errorf("worker delete status: %d, body: %+v", resp.StatusCode, respData)
	}
	return nil
}

// poll 取消注册表（jobID -> cancelFunc）
var pollCancelRegistry = struct {
	sync.RWMutex
	m map[string]context.CancelFunc
}{
	m: make(map[string]context.CancelFunc),
}

// RegisterPollCancel 注册轮询的 cancelFunc（由任务处理函数在开始轮询时调用）
func RegisterPollCancel(jobID string, cancel context.CancelFunc) {
	pollCancelRegistry.Lock()
	defer pollCancelRegistry.Unlock()
	pollCancelRegistry.m[jobID] = cancel
}

// UnregisterPollCancel 注销轮询的 cancelFunc（在轮询结束或任务完成时调用）
func UnregisterPollCancel(jobID string) {
	pollCancelRegistry.Lock()
	defer pollCancelRegistry.Unlock()
	delete(pollCancelRegistry.m, jobID)
}

// CancelPollJob 外部调用以取消正在轮询的任务，返回是否实际找到并取消
func CancelPollJob(jobID string) bool {
	pollCancelRegistry.Lock()
	defer pollCancelRegistry.Unlock()
	if cancel, ok := pollCancelRegistry.m[jobID]; ok {
		cancel()
		delete(pollCancelRegistry.m, jobID)
		return true
	}
	return false
}

// Processor 消费渲染与分镜重生任务
type Processor struct {
	DB             *gorm.DB
	WorkerEndpoint string
}

func NewProcessor(db *gorm.DB) *Processor {
	// 从配置中获取 Worker 地址
	return &Processor{
		DB:             db,
		WorkerEndpoint: config.AppConfig.Worker.Addr,
	}
}

// StartProcessor 启动任务消费者
func (p *Processor) StartProcessor(concurrency int) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     config.AppConfig.Redis.Addr,
			Password: config.AppConfig.Redis.Password,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeRenderVideo, p.HandleRenderJob)
	mux.HandleFunc(TypeRegenerateScene, p.HandleRegenerateJob)

	log.Printf("Starting Job Processor with concurrency %d...", concurrency)
	go func() {
		if err := srv.Run(mux); err != nil {
			log.Fatalf("could not run server: %v", err)
		}
	}()
}

// retriesExhausted 判断当前 asynq 重试是否已用尽
func retriesExhausted(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

// HandleRenderJob 整片渲染：门禁放行后的唯一执行路径。
// 渲染成功会固化项目当前全部 QA 记录；无论成败都要释放渲染占用位。
func (p *Processor) HandleRenderJob(ctx context.Context, t *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	job, err := models.GetJobByIDGorm(p.DB, payload.JobID)
	if err != nil {
		return fmt.Errorf("job not found: %v", err)
	}

	log.Printf("Processing Job: %s | Type: %s", job.ID, job.Type)
	if err := job.UpdateStatus(p.DB, models.JobStatusProcessing, nil, ""); err != nil {
		log.Printf("UpdateStatus processing failed: %v", err)
	}

	workerJobID, err := p.dispatchWorkerRequest(job)
	if err != nil {
		log.Printf("Worker 请求失败: %v", err)
		// 占用位只在重试用尽后释放，重试期间项目仍视为渲染中
		if retriesExhausted(ctx) {
			p.failRender(job, fmt.Sprintf("Worker Request Failed: %v", err), nil)
		}
		return err // 返回 err 触发重试
	}
	if err := models.UpdateJobStatusFields(job.ID, "", nil, nil, &models.JobResult{ResourceId: workerJobID}, nil, nil, nil); err != nil {
		log.Printf("写入 worker job_id 到 job.result 失败: %v", err)
	}
	log.Printf("渲染已提交，Worker Job ID: %s，开始轮询结果...", workerJobID)

	// 为轮询创建可取消的子上下文并注册 cancel（外部 API 可通过 CancelPollJob 取消）
	pollCtx, cancel := context.WithCancel(ctx)
	RegisterPollCancel(job.ID, cancel)
	defer UnregisterPollCancel(job.ID)

	jobResult, err := p.pollWorkerResult(pollCtx, workerJobID)
	if err != nil {
		log.Printf("轮询渲染结果失败: %v", err)
		p.failRender(job, fmt.Sprintf("Render Failed: %v", err), nil)
		return nil // 业务失败，不再重试
	}

	if err := p.handleRenderResult(job.ProjectId, jobResult); err != nil {
		log.Printf("[Error] 渲染结果处理失败: %v", err)
		p.failRender(job, err.Error(), jobResult)
		return nil
	}

	// 渲染成功：现行 QA 记录固化为本次成片的历史快照，之后禁止原地修改
	if err := models.LockProjectQARecords(job.ProjectId); err != nil {
		log.Printf("固化 QA 记录失败: %v", err)
	}
	if err := models.ReleaseRender(job.ProjectId); err != nil {
		log.Printf("释放渲染占用位失败: %v", err)
	}

	job.UpdateStatus(p.DB, models.JobStatusSuccess, jobResult, "")
	jobsProcessed.WithLabelValues(job.Type, models.JobStatusSuccess).Inc()
	log.Printf("Job %s completed successfully", job.ID)
	return nil
}

// failRender 渲染任务失败的收尾：任务失败、项目标记失败、释放占用位
func (p *Processor) failRender(job *models.Job, msg string, result *models.JobResult) {
	job.UpdateStatus(p.DB, models.JobStatusFailed, result, msg)
	if err := models.SetProjectStatus(job.ProjectId, models.ProjectStatusFailed); err != nil {
		log.Printf("更新项目状态失败: %v", err)
	}
	if err := models.ReleaseRender(job.ProjectId); err != nil {
		log.Printf("释放渲染占用位失败: %v", err)
	}
	jobsProcessed.WithLabelValues(job.Type, models.JobStatusFailed).Inc()
}

// HandleRegenerateJob 被驳回分镜的资产重生。
// QA 记录的状态变化在请求入口就已完成（旧记录作废、新 pending 记录建立），
// 这里只负责生成新资产并写回分镜。
func (p *Processor) HandleRegenerateJob(ctx context.Context, t *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	job, err := models.GetJobByIDGorm(p.DB, payload.JobID)
	if err != nil {
		return fmt.Errorf("job not found: %v", err)
	}

	log.Printf("Processing Job: %s | Type: %s", job.ID, job.Type)
	if err := job.UpdateStatus(p.DB, models.JobStatusProcessing, nil, ""); err != nil {
		log.Printf("UpdateStatus processing failed: %v", err)
	}

	workerJobID, err := p.dispatchWorkerRequest(job)
	if err != nil {
		log.Printf("Worker 请求失败: %v", err)
		if retriesExhausted(ctx) {
			p.failRegenerate(job, fmt.Sprintf("Worker Request Failed: %v", err))
		}
		return err
	}
	if err := models.UpdateJobStatusFields(job.ID, "", nil, nil, &models.JobResult{ResourceId: workerJobID}, nil, nil, nil); err != nil {
		log.Printf("写入 worker job_id 到 job.result 失败: %v", err)
	}
	log.Printf("重生已提交，Worker Job ID: %s，开始轮询结果...", workerJobID)

	pollCtx, cancel := context.WithCancel(ctx)
	RegisterPollCancel(job.ID, cancel)
	defer UnregisterPollCancel(job.ID)

	jobResult, err := p.pollWorkerResult(pollCtx, workerJobID)
	if err != nil {
		log.Printf("轮询重生结果失败: %v", err)
		p.failRegenerate(job, fmt.Sprintf("Regenerate Failed: %v", err))
		return nil
	}

	if err := p.handleRegenerateResult(job.SceneId, jobResult); err != nil {
		log.Printf("[Error] 重生结果处理失败: %v", err)
		p.failRegenerate(job, err.Error())
		return nil
	}

	job.UpdateStatus(p.DB, models.JobStatusSuccess, jobResult, "")
	jobsProcessed.WithLabelValues(job.Type, models.JobStatusSuccess).Inc()
	log.Printf("Job %s completed successfully", job.ID)
	return nil
}

func (p *Processor) failRegenerate(job *models.Job, msg string) {
	job.UpdateStatus(p.DB, models.JobStatusFailed, nil, msg)
	if job.SceneId != "" {
		if err := p.DB.Model(&models.Scene{}).Where("id = ?", job.SceneId).Updates(map[string]interface{}{
			"status":     models.SceneStatusFailed,
			"updated_at": time.Now(),
		}).Error; err != nil {
			log.Printf("更新分镜状态失败: %v", err)
		}
	}
	jobsProcessed.WithLabelValues(job.Type, models.JobStatusFailed).Inc()
}

// ============================================================================
// 通信层：请求分发与轮询
// ============================================================================

// dispatchWorkerRequest 发送 POST 请求，返回 worker 侧 job_id
func (p *Processor) dispatchWorkerRequest(job *models.Job) (string, error) {
	var specificParams map[string]interface{}

	switch job.Type {
	case models.JobTypeRenderVideo:
		params := job.Parameters.Render
		if params == nil {
			return "", fmt.Errorf("missing render parameters")
		}

		// 成片由全部分镜按序合成，素材路径随请求一并下发
		scenes, err := models.GetScenesByProjectID(job.ProjectId)
		if err != nil {
			return "", fmt.Errorf("load scenes failed: %v", err)
		}
		if len(scenes) == 0 {
			return "", fmt.Errorf("project has no scenes to render")
		}
		sceneList := make([]map[string]interface{}, 0, len(scenes))
		for _, s := range scenes {
			if s.AssetPath == "" {
				return "", fmt.Errorf("scene %s has no asset_path (unable to render)", s.ID)
			}
			sceneList = append(sceneList, map[string]interface{}{
				"scene_id":     s.ID,
				"order":        s.Order,
				"asset_path":   s.AssetPath,
				"transition":   s.Transition,
				"duration_sec": s.DurationSec,
			})
		}

		fps := 24
		if params.FPS != 0 {
			fps = params.FPS
		}
		resolution := "1280x720"
		if params.Resolution != "" {
			resolution = params.Resolution
		}

		specificParams = map[string]interface{}{
			"resolution": resolution,
			"fps":        fps,
			"format":     params.Format,
			"bitrate":    params.Bitrate,
			"scenes":     sceneList,
		}

	case models.JobTypeRegenerateScene:
		params := job.Parameters.Regen
		if params == nil {
			return "", fmt.Errorf("missing regenerate parameters")
		}

		specificParams = map[string]interface{}{
			"scene_id":     job.SceneId,
			"prompt":       params.Prompt,
			"style":        params.Style,
			"image_width":  params.ImageWidth,
			"image_height": params.ImageHeight,
			"transition":   params.Transition,
		}

	default:
		return "", fmt.Errorf("unsupported job type: %s", job.Type)
	}

	// 发送 HTTP 请求
	reqBody := map[string]interface{}{
		"id":          job.ID,
		"project_id":  job.ProjectId,
		"type":        job.Type,
		"status":      job.Status,
		"progress":    job.Progress,
		"message":     job.Message,
		"result":      job.Result,
		"error":       job.Error,
		"parameters":  specificParams,
		"started_at":  job.StartedAt,
		"finished_at": job.FinishedAt,
		"created_at":  job.CreatedAt,
		"updated_at":  job.UpdatedAt,
	}

	fullURL := p.WorkerEndpoint + "/v1/generate"
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request failed: %v", err)
	}
	log.Printf("POST %s", fullURL)

	resp, err := http.Post(fullURL, "application/json", bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("worker status code: %d", resp.StatusCode)
	}

	var respData map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", fmt.Errorf("decode response failed: %v", err)
	}

	// 优先返回根节点的 id
	if id, ok := respData["id"].(string); ok {
		return id, nil
	}
	if jobID, ok := respData["job_id"].(string); ok {
		return jobID, nil
	}
	return "", fmt.Errorf("response missing 'id'")
}

// pollWorkerResult 轮询 GET /v1/jobs/{job_id} 直到完成，返回 JobResult
func (p *Processor) pollWorkerResult(ctx context.Context, workerJobID string) (*models.JobResult, error) {
	jobURL := fmt.Sprintf("%s/v1/jobs/%s", p.WorkerEndpoint, workerJobID)

	timeoutDuration := 30 * time.Minute
	timeout := time.After(timeoutDuration)
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	httpClient := &http.Client{}

	for {
		select {
		case <-timeout:
			return nil, fmt.Errorf("polling timeout")
		case <-ctx.Done():
			return nil, fmt.Errorf("polling canceled: %v", ctx.Err())
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
			if err != nil {
				log.Printf("创建请求失败: %v", err)
				continue
			}

			resp, err := httpClient.Do(req)
			if err != nil {
				// 如果是 ctx 取消导致的 err，会在上面的 <-ctx.Done() 捕获
				log.Printf("轮询网络错误(重试中): %v", err)
				continue
			}

			bodyBytes, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				log.Printf("读取响应体失败: %v", err)
				continue
			}

			// worker 的时间字段格式不稳定，先解到中间结构再转换
			var raw struct {
				ID       string           `json:"id"`
				Type     string           `json:"type"`
				Status   string           `json:"status"`
				Progress int              `json:"progress"`
				Message  string           `json:"message"`
				Result   models.JobResult `json:"result"`
				Error    string           `json:"error"`
			}
			if err := json.Unmarshal(bodyBytes, &raw); err != nil {
				bodyStr := string(bodyBytes)
				if len(bodyStr) > 2000 {
					bodyStr = bodyStr[:2000] + "..."
				}
				log.Printf("解析响应失败: %v, body: %s", err, bodyStr)
				continue
			}

			status := raw.Status
			if status == models.JobStatusSuccess || status == "success" || status == "completed" || status == "succeeded" {
				return &raw.Result, nil
			}
			if status == models.JobStatusFailed || status == "error" {
				return nil, fmt.Errorf("worker reported failure: %s", raw.Error)
			}
			// 其他状态继续轮询
		}
	}
}

// handleRenderResult 渲染成片落库：下载 worker 产物转存 MinIO，写回项目
func (p *Processor) handleRenderResult(projectID string, result *models.JobResult) error {
	objectName := fmt.Sprintf("projects/%s/video.mp4", projectID)
	finalURL, err := processResourceToMinIO(result, objectName)
	if err != nil {
		return fmt.Errorf("处理成片资源失败: %v", err)
	}

	log.Printf("成片上传成功: %s", finalURL)
	return models.SetProjectVideo(projectID, finalURL, result.DurationSec)
}

// handleRegenerateResult 重生资产落库：下载 worker 产物转存 MinIO，写回分镜
func (p *Processor) handleRegenerateResult(sceneID string, result *models.JobResult) error {
	objectName := fmt.Sprintf("scenes/%s/asset.png", sceneID)
	finalURL, err := processResourceToMinIO(result, objectName)
	if err != nil {
		return fmt.Errorf("处理重生资源失败: %v", err)
	}

	scene, err := models.GetSceneByIDGorm(p.DB, sceneID)
	if err != nil {
		return err
	}
	log.Printf("分镜 %s 资产上传成功: %s", sceneID, finalURL)
	return scene.UpdateAsset(p.DB, finalURL)
}

// processResourceToMinIO 通用资源处理函数
func processResourceToMinIO(result *models.JobResult, objectName string) (string, error) {
	resourceUrl := result.ResourceUrl
	if resourceUrl == "" {
		return "", fmt.Errorf("resourceUrl is empty")
	}
	return downloadAndUploadToMinIO(resourceUrl, objectName)
}

func downloadAndUploadToMinIO(sourceURL, objectName string) (string, error) {
	resp, err := http.Get(sourceURL)
	if err != nil {
		return "", fmt.Errorf("download failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status: %d", resp.StatusCode)
	}

	return UploadToMinIO(resp.Body, objectName, resp.ContentLength)
}
