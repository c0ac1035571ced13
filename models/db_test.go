package models

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// swapMockDB 用 sqlmock 顶替包级 DB，测试结束后还原
func swapMockDB(t *testing.T) sqlmock.Sqlmock {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	orig := DB
	DB = db
	t.Cleanup(func() {
		DB = orig
		db.Close()
	})
	return mock
}

func TestSupersedeQARecordReplacesWithinOneTransaction(t *testing.T) {
	mock := swapMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE scene_qa SET superseded = 1").
		WithArgs(sqlmock.AnyArg(), "qa-old").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// 新记录以全零评估值落库：pending、0 分、无 critical、manual 来源
	mock.ExpectExec("INSERT INTO scene_qa").
		WithArgs("qa-new", "p1", "s1", "pending", 0.0, 0, []byte("[]"), QASourceManual, false, false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	fresh := SceneQARecord{
		ID:        "qa-new",
		ProjectId: "p1",
		SceneId:   "s1",
		Status:    QAStatusPending,
		Issues:    IssueList{},
		Source:    QASourceManual,
	}
	require.NoError(t, SupersedeQARecord("qa-old", &fresh))
	assert.False(t, fresh.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSupersedeQARecordRollsBackWhenInsertFails(t *testing.T) {
	mock := swapMockDB(t)

	// 新建失败时整体回滚，旧记录保持 superseded=0，分镜不会失去现行评估
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE scene_qa SET superseded = 1").
		WithArgs(sqlmock.AnyArg(), "qa-old").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO scene_qa").
		WillReturnError(errors.New("connection lost"))
	mock.ExpectRollback()

	fresh := SceneQARecord{
		ID:        "qa-new",
		ProjectId: "p1",
		SceneId:   "s1",
		Status:    QAStatusPending,
		Issues:    IssueList{},
		Source:    QASourceManual,
	}
	err := SupersedeQARecord("qa-old", &fresh)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSupersedeQARecordRejectsUnknownStatus(t *testing.T) {
	mock := swapMockDB(t)

	fresh := SceneQARecord{ID: "qa-new", ProjectId: "p1", SceneId: "s1", Status: SceneQAStatus("archived")}
	err := SupersedeQARecord("qa-old", &fresh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid qa status")
	// 校验在事务开启前完成，数据库不应收到任何语句
	assert.NoError(t, mock.ExpectationsWereMet())
}

var jobColumns = []string{"id", "project_id", "scene_id", "type", "status", "progress", "message", "parameters", "result", "error", "forced", "requested_by", "started_at", "finished_at", "created_at", "updated_at"}

func TestGetProcessingJobsDecodesRows(t *testing.T) {
	mock := swapMockDB(t)

	now := time.Now()
	rows := sqlmock.NewRows(jobColumns).
		AddRow("job-1", "p1", "s1", JobTypeRegenerateScene, JobStatusProcessing, 40, "生成中",
			[]byte(`{"regen":{"prompt":"夜景","style":"","image_width":"1024","image_height":"1024","transition":"fade"}}`),
			[]byte(`{"resource_type":"","resource_id":"w-9","resource_url":""}`),
			nil, false, "", now, nil, now, now)
	mock.ExpectQuery("SELECT (.+) FROM job WHERE project_id").
		WithArgs("p1", JobStatusProcessing).
		WillReturnRows(rows)

	jobs, err := GetProcessingJobs("p1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)
	assert.Equal(t, "s1", jobs[0].SceneId)
	require.NotNil(t, jobs[0].Parameters.Regen)
	assert.Equal(t, "夜景", jobs[0].Parameters.Regen.Prompt)
	assert.Equal(t, "w-9", jobs[0].Result.ResourceId)
}

func TestGetProcessingJobsPropagatesScanError(t *testing.T) {
	mock := swapMockDB(t)

	// progress 为 NULL 时扫描失败，坏行必须让调用方看到错误而不是被静默跳过
	rows := sqlmock.NewRows(jobColumns).
		AddRow("job-bad", "p1", nil, JobTypeRenderVideo, JobStatusProcessing, nil, nil,
			[]byte(`{}`), []byte(`{}`), nil, false, "", nil, nil, time.Now(), time.Now())
	mock.ExpectQuery("SELECT (.+) FROM job WHERE project_id").
		WithArgs("p1", JobStatusProcessing).
		WillReturnRows(rows)

	jobs, err := GetProcessingJobs("p1")
	require.Error(t, err)
	assert.Nil(t, jobs)
}
