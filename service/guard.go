package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"

	"RenderGate-server/models"
	"RenderGate-server/qualitygate"

	"github.com/google/uuid"
)

var (
	// ErrPrivilegedRoleRequired 强制渲染需要特权角色。
	// 这是授权拒绝，和质量门禁拦截是两类结果，调用方必须能区分。
	ErrPrivilegedRoleRequired = errors.New("force render requires the privileged role")
	// ErrProjectNotFound 项目不存在
	ErrProjectNotFound = errors.New("project not found")
)

// RenderStore 门禁需要的存储操作
type RenderStore interface {
	GetProject(id string) (models.Project, error)
	CurrentQARecords(projectID string) ([]models.SceneQARecord, error)
	ClaimRender(projectID string) (bool, error)
	ReleaseRender(projectID string) error
	RunningRenderJob(projectID string) (models.Job, error)
	CreateJob(j *models.Job) error
	SetProjectStatus(id, status string) error
}

// ReportCache 项目质量报告缓存（redis 实现见 reportcache.go）
type ReportCache interface {
	GetReport(ctx context.Context, projectID string) (*qualitygate.Report, bool)
	SetReport(ctx context.Context, projectID string, report *qualitygate.Report)
	InvalidateReport(ctx context.Context, projectID string)
}

// JobEnqueuer 任务入队
type JobEnqueuer interface {
	Enqueue(taskType string, jobID string) error
}

// RenderDecision 渲染请求的处理结论。
// Accepted=false 且 DeniedBy=quality_gate 是正常业务结果，不是错误。
type RenderDecision struct {
	Accepted bool                `json:"accepted"`
	JobID    string              `json:"job_id,omitempty"`
	DeniedBy string              `json:"denied_by,omitempty"`
	Reasons  []string            `json:"reasons"`
	Report   *qualitygate.Report `json:"report,omitempty"`
}

// RenderGuard 渲染入口的质量门禁
type RenderGuard struct {
	store          RenderStore
	cache          ReportCache
	queue          JobEnqueuer
	policy         qualitygate.Policy
	privilegedRole string
}

func NewRenderGuard(store RenderStore, cache ReportCache, queue JobEnqueuer, policy qualitygate.Policy, privilegedRole string) *RenderGuard {
	return &RenderGuard{
		store:          store,
		cache:          cache,
		queue:          queue,
		policy:         policy,
		privilegedRole: privilegedRole,
	}
}

// ProjectReport 取项目当前质量报告，优先走缓存，未命中时从现行 QA 记录重算并回填
func (g *RenderGuard) ProjectReport(ctx context.Context, projectID string) (*qualitygate.Report, error) {
	if g.cache != nil {
		if report, ok := g.cache.GetReport(ctx, projectID); ok {
			return report, nil
		}
	}

	rows, err := g.store.CurrentQARecords(projectID)
	if err != nil {
		return nil, fmt.Errorf("load qa records failed: %w", err)
	}
	records := make([]qualitygate.SceneRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, qualitygate.SceneRecord{
			SceneID:        row.SceneId,
			Status:         qualitygate.Status(row.Status),
			OverallScore:   row.OverallScore,
			CriticalIssues: row.CriticalIssues,
		})
	}

	report, err := qualitygate.Evaluate(records, g.policy)
	if err != nil {
		return nil, err
	}
	if report.CanRender {
		gateEvaluations.WithLabelValues("pass").Inc()
	} else {
		gateEvaluations.WithLabelValues("blocked").Inc()
	}
	if g.cache != nil {
		g.cache.SetReport(ctx, projectID, report)
	}
	return report, nil
}

// RequestRender 处理一次渲染请求。
// 检查顺序：项目存在 -> 强制渲染的角色校验 -> 质量门禁 -> 渲染位占用 -> 建任务入队。
// 无权限的 force 请求直接返回 ErrPrivilegedRoleRequired，不看门禁状态。
// 渲染位占用是存储层的原子置位：并发请求最多一个能赢，输掉的一方幂等地
// 返回在途任务，绝不二次入队。
func (g *RenderGuard) RequestRender(ctx context.Context, projectID string, force bool, callerRole string, params models.RenderParams) (*RenderDecision, error) {
	if _, err := g.store.GetProject(projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}

	if force && callerRole != g.privilegedRole {
		renderRequests.WithLabelValues("denied_auth", "true").Inc()
		return nil, fmt.Errorf("%w: caller role %q", ErrPrivilegedRoleRequired, callerRole)
	}

	report, err := g.ProjectReport(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if !force && !report.CanRender {
		renderRequests.WithLabelValues("denied_gate", "false").Inc()
		return &RenderDecision{
			Accepted: false,
			DeniedBy: "quality_gate",
			Reasons:  report.BlockingReasons,
			Report:   report,
		}, nil
	}

	claimed, err := g.store.ClaimRender(projectID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		decision := &RenderDecision{Accepted: true, Reasons: []string{}, Report: report}
		if running, err := g.store.RunningRenderJob(projectID); err == nil {
			decision.JobID = running.ID
		}
		renderRequests.WithLabelValues("duplicate", strconv.FormatBool(force)).Inc()
		return decision, nil
	}

	job := &models.Job{
		ID:        uuid.NewString(),
		ProjectId: projectID,
		Type:      models.JobTypeRenderVideo,
		Status:    models.JobStatusPending,
		Progress:  0,
		Message:   "渲染任务排队中",
		Parameters: models.JobParameters{
			Render: &params,
		},
		Forced:      force,
		RequestedBy: callerRole,
	}
	if err := g.store.CreateJob(job); err != nil {
		if relErr := g.store.ReleaseRender(projectID); relErr != nil {
			log.Printf("释放渲染占用位失败: %v", relErr)
		}
		return nil, fmt.Errorf("create render job failed: %w", err)
	}

	if err := g.queue.Enqueue(TypeRenderVideo, job.ID); err != nil {
		// 入队失败必须释放占用位，否则这个项目会一直被视为渲染中
		if relErr := g.store.ReleaseRender(projectID); relErr != nil {
			log.Printf("释放渲染占用位失败: %v", relErr)
		}
		return nil, fmt.Errorf("enqueue render job failed: %w", err)
	}

	if err := g.store.SetProjectStatus(projectID, models.ProjectStatusRendering); err != nil {
		log.Printf("更新项目状态失败: %v", err)
	}

	renderRequests.WithLabelValues("accepted", strconv.FormatBool(force)).Inc()
	return &RenderDecision{Accepted: true, JobID: job.ID, Reasons: []string{}, Report: report}, nil
}

// DBRenderStore 生产实现，直接落在 models 包的存储访问上
type DBRenderStore struct{}

func (DBRenderStore) GetProject(id string) (models.Project, error) {
	return models.GetProjectByID(id)
}

func (DBRenderStore) CurrentQARecords(projectID string) ([]models.SceneQARecord, error) {
	return models.GetCurrentQARecords(projectID)
}

func (DBRenderStore) ClaimRender(projectID string) (bool, error) {
	return models.ClaimRender(projectID)
}

func (DBRenderStore) ReleaseRender(projectID string) error {
	return models.ReleaseRender(projectID)
}

func (DBRenderStore) RunningRenderJob(projectID string) (models.Job, error) {
	return models.GetRunningRenderJob(projectID)
}

func (DBRenderStore) CreateJob(j *models.Job) error {
	return models.CreateJob(j)
}

func (DBRenderStore) SetProjectStatus(id, status string) error {
	return models.SetProjectStatus(id, status)
}

// AsynqEnqueuer 生产实现，EnqueueJob 的薄封装
type AsynqEnqueuer struct{}

func (AsynqEnqueuer) Enqueue(taskType string, jobID string) error {
	return EnqueueJob(taskType, jobID)
}
