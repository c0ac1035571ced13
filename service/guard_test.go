package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"RenderGate-server/models"
	"RenderGate-server/qualitygate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	projects     map[string]models.Project
	records      map[string][]models.SceneQARecord
	inFlight     map[string]bool
	claimDenied  bool
	runningJob   *models.Job
	createJobErr error
	createdJobs  []*models.Job
	statuses     map[string]string
	releases     int
	recordLoads  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects: map[string]models.Project{},
		records:  map[string][]models.SceneQARecord{},
		inFlight: map[string]bool{},
		statuses: map[string]string{},
	}
}

func (s *fakeStore) GetProject(id string) (models.Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return models.Project{}, sql.ErrNoRows
	}
	return p, nil
}

func (s *fakeStore) CurrentQARecords(projectID string) ([]models.SceneQARecord, error) {
	s.recordLoads++
	return s.records[projectID], nil
}

func (s *fakeStore) ClaimRender(projectID string) (bool, error) {
	if s.claimDenied || s.inFlight[projectID] {
		return false, nil
	}
	s.inFlight[projectID] = true
	return true, nil
}

func (s *fakeStore) ReleaseRender(projectID string) error {
	s.releases++
	s.inFlight[projectID] = false
	return nil
}

func (s *fakeStore) RunningRenderJob(projectID string) (models.Job, error) {
	if s.runningJob != nil {
		return *s.runningJob, nil
	}
	return models.Job{}, sql.ErrNoRows
}

func (s *fakeStore) CreateJob(j *models.Job) error {
	if s.createJobErr != nil {
		return s.createJobErr
	}
	s.createdJobs = append(s.createdJobs, j)
	return nil
}

func (s *fakeStore) SetProjectStatus(id, status string) error {
	s.statuses[id] = status
	return nil
}

type fakeCache struct {
	reports       map[string]*qualitygate.Report
	sets          int
	invalidations int
}

func newFakeCache() *fakeCache {
	return &fakeCache{reports: map[string]*qualitygate.Report{}}
}

func (c *fakeCache) GetReport(ctx context.Context, projectID string) (*qualitygate.Report, bool) {
	r, ok := c.reports[projectID]
	return r, ok
}

func (c *fakeCache) SetReport(ctx context.Context, projectID string, report *qualitygate.Report) {
	c.sets++
	c.reports[projectID] = report
}

func (c *fakeCache) InvalidateReport(ctx context.Context, projectID string) {
	c.invalidations++
	delete(c.reports, projectID)
}

type fakeQueue struct {
	err      error
	enqueued []string
	types    []string
}

func (q *fakeQueue) Enqueue(taskType string, jobID string) error {
	if q.err != nil {
		return q.err
	}
	q.types = append(q.types, taskType)
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

func newTestGuard(store *fakeStore, cache *fakeCache, queue *fakeQueue) *RenderGuard {
	return NewRenderGuard(store, cache, queue, qualitygate.DefaultPolicy(), "admin")
}

func qaRecord(sceneID string, status models.SceneQAStatus, score float64, critical int) models.SceneQARecord {
	return models.SceneQARecord{
		ID:             "qa-" + sceneID,
		ProjectId:      "p1",
		SceneId:        sceneID,
		Status:         status,
		OverallScore:   score,
		CriticalIssues: critical,
	}
}

func TestRequestRenderAcceptsCleanProject(t *testing.T) {
	store := newFakeStore()
	store.projects["p1"] = models.Project{ID: "p1", Status: models.ProjectStatusCreated}
	store.records["p1"] = []models.SceneQARecord{
		qaRecord("s1", models.QAStatusApproved, 90, 0),
		qaRecord("s2", models.QAStatusApproved, 85, 0),
	}
	queue := &fakeQueue{}
	guard := newTestGuard(store, newFakeCache(), queue)

	decision, err := guard.RequestRender(context.Background(), "p1", false, "", models.RenderParams{})
	require.NoError(t, err)
	require.True(t, decision.Accepted)
	require.Len(t, store.createdJobs, 1)
	job := store.createdJobs[0]
	assert.Equal(t, job.ID, decision.JobID)
	assert.Equal(t, models.JobTypeRenderVideo, job.Type)
	assert.False(t, job.Forced)
	assert.Equal(t, []string{job.ID}, queue.enqueued)
	assert.Equal(t, []string{TypeRenderVideo}, queue.types)
	assert.Equal(t, models.ProjectStatusRendering, store.statuses["p1"])
	assert.True(t, decision.Report.CanRender)
	assert.Empty(t, decision.Reasons)
}

func TestRequestRenderDeniedByQualityGate(t *testing.T) {
	store := newFakeStore()
	store.projects["p1"] = models.Project{ID: "p1"}
	store.records["p1"] = []models.SceneQARecord{
		qaRecord("s1", models.QAStatusRejected, 40, 0),
		qaRecord("s2", models.QAStatusApproved, 90, 0),
	}
	queue := &fakeQueue{}
	guard := newTestGuard(store, newFakeCache(), queue)

	decision, err := guard.RequestRender(context.Background(), "p1", false, "", models.RenderParams{})
	require.NoError(t, err)
	require.False(t, decision.Accepted)
	assert.Equal(t, "quality_gate", decision.DeniedBy)
	assert.Contains(t, decision.Reasons, "1 scene(s) rejected — must regenerate.")
	// 被拦截的请求不得触碰渲染位，也不得建任务
	assert.False(t, store.inFlight["p1"])
	assert.Empty(t, store.createdJobs)
	assert.Empty(t, queue.enqueued)
}

func TestForceRenderWithPrivilegedRole(t *testing.T) {
	store := newFakeStore()
	store.projects["p1"] = models.Project{ID: "p1"}
	store.records["p1"] = []models.SceneQARecord{
		qaRecord("s1", models.QAStatusRejected, 40, 2),
	}
	queue := &fakeQueue{}
	guard := newTestGuard(store, newFakeCache(), queue)

	decision, err := guard.RequestRender(context.Background(), "p1", true, "admin", models.RenderParams{})
	require.NoError(t, err)
	require.True(t, decision.Accepted)
	require.Len(t, store.createdJobs, 1)
	job := store.createdJobs[0]
	assert.True(t, job.Forced)
	assert.Equal(t, "admin", job.RequestedBy)
	assert.Equal(t, []string{job.ID}, queue.enqueued)
	// 报告照常返回，便于调用方知道自己跳过了什么
	require.NotNil(t, decision.Report)
	assert.False(t, decision.Report.CanRender)
}

func TestForceRenderWithoutPrivilegedRole(t *testing.T) {
	// 无论门禁当前是放行还是拦截，非特权角色的 force 一律拒绝
	cases := []struct {
		name    string
		records []models.SceneQARecord
	}{
		{"gate blocked", []models.SceneQARecord{qaRecord("s1", models.QAStatusRejected, 40, 0)}},
		{"gate clean", []models.SceneQARecord{qaRecord("s1", models.QAStatusApproved, 95, 0)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			store.projects["p1"] = models.Project{ID: "p1"}
			store.records["p1"] = tc.records
			queue := &fakeQueue{}
			guard := newTestGuard(store, newFakeCache(), queue)

			decision, err := guard.RequestRender(context.Background(), "p1", true, "employee", models.RenderParams{})
			require.ErrorIs(t, err, ErrPrivilegedRoleRequired)
			assert.Nil(t, decision)
			assert.False(t, store.inFlight["p1"])
			assert.Empty(t, store.createdJobs)
			assert.Empty(t, queue.enqueued)
		})
	}
}

func TestDuplicateRenderReturnsRunningJob(t *testing.T) {
	store := newFakeStore()
	store.projects["p1"] = models.Project{ID: "p1"}
	store.records["p1"] = []models.SceneQARecord{
		qaRecord("s1", models.QAStatusApproved, 90, 0),
	}
	store.claimDenied = true
	store.runningJob = &models.Job{ID: "job-running", Type: models.JobTypeRenderVideo, Status: models.JobStatusProcessing}
	queue := &fakeQueue{}
	guard := newTestGuard(store, newFakeCache(), queue)

	decision, err := guard.RequestRender(context.Background(), "p1", false, "", models.RenderParams{})
	require.NoError(t, err)
	require.True(t, decision.Accepted)
	assert.Equal(t, "job-running", decision.JobID)
	// 输掉占用的一方幂等返回，绝不二次建任务/入队
	assert.Empty(t, store.createdJobs)
	assert.Empty(t, queue.enqueued)
}

func TestEnqueueFailureReleasesClaim(t *testing.T) {
	store := newFakeStore()
	store.projects["p1"] = models.Project{ID: "p1"}
	store.records["p1"] = []models.SceneQARecord{
		qaRecord("s1", models.QAStatusApproved, 90, 0),
	}
	queue := &fakeQueue{err: errors.New("queue unavailable")}
	guard := newTestGuard(store, newFakeCache(), queue)

	decision, err := guard.RequestRender(context.Background(), "p1", false, "", models.RenderParams{})
	require.Error(t, err)
	assert.Nil(t, decision)
	assert.Equal(t, 1, store.releases)
	assert.False(t, store.inFlight["p1"])
}

func TestCreateJobFailureReleasesClaim(t *testing.T) {
	store := newFakeStore()
	store.projects["p1"] = models.Project{ID: "p1"}
	store.records["p1"] = []models.SceneQARecord{
		qaRecord("s1", models.QAStatusApproved, 90, 0),
	}
	store.createJobErr = errors.New("insert failed")
	queue := &fakeQueue{}
	guard := newTestGuard(store, newFakeCache(), queue)

	_, err := guard.RequestRender(context.Background(), "p1", false, "", models.RenderParams{})
	require.Error(t, err)
	assert.Equal(t, 1, store.releases)
	assert.Empty(t, queue.enqueued)
}

func TestRequestRenderProjectNotFound(t *testing.T) {
	guard := newTestGuard(newFakeStore(), newFakeCache(), &fakeQueue{})

	decision, err := guard.RequestRender(context.Background(), "missing", false, "", models.RenderParams{})
	require.ErrorIs(t, err, ErrProjectNotFound)
	assert.Nil(t, decision)
}

func TestRequestRenderInvalidStoredRecord(t *testing.T) {
	store := newFakeStore()
	store.projects["p1"] = models.Project{ID: "p1"}
	store.records["p1"] = []models.SceneQARecord{
		qaRecord("s1", models.QAStatusApproved, 150, 0),
	}
	guard := newTestGuard(store, newFakeCache(), &fakeQueue{})

	decision, err := guard.RequestRender(context.Background(), "p1", false, "", models.RenderParams{})
	require.ErrorIs(t, err, qualitygate.ErrInvalidInput)
	assert.Nil(t, decision)
	assert.False(t, store.inFlight["p1"])
}

func TestProjectReportUsesCache(t *testing.T) {
	store := newFakeStore()
	store.projects["p1"] = models.Project{ID: "p1"}
	cache := newFakeCache()
	cached := &qualitygate.Report{OverallScore: 88, SceneCount: 2, CanRender: true, BlockingReasons: []string{}}
	cache.reports["p1"] = cached
	guard := newTestGuard(store, cache, &fakeQueue{})

	report, err := guard.ProjectReport(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, cached, report)
	// 命中缓存时不加载存储
	assert.Equal(t, 0, store.recordLoads)
}

func TestProjectReportBackfillsCache(t *testing.T) {
	store := newFakeStore()
	store.projects["p1"] = models.Project{ID: "p1"}
	store.records["p1"] = []models.SceneQARecord{
		qaRecord("s1", models.QAStatusApproved, 80, 0),
	}
	cache := newFakeCache()
	guard := newTestGuard(store, cache, &fakeQueue{})

	report, err := guard.ProjectReport(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, report.CanRender)
	assert.Equal(t, 1, cache.sets)
	assert.Equal(t, 1, store.recordLoads)

	// 第二次走缓存
	again, err := guard.ProjectReport(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, report, again)
	assert.Equal(t, 1, store.recordLoads)
}

func TestRequestRenderEmptyQARecords(t *testing.T) {
	store := newFakeStore()
	store.projects["p1"] = models.Project{ID: "p1"}
	guard := newTestGuard(store, newFakeCache(), &fakeQueue{})

	decision, err := guard.RequestRender(context.Background(), "p1", false, "", models.RenderParams{})
	require.NoError(t, err)
	require.False(t, decision.Accepted)
	assert.Equal(t, []string{"Quality analysis required before rendering."}, decision.Reasons)
}
