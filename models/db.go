package models

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"log"
	"strings"
	"time"

	"RenderGate-server/config"

	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *sql.DB
var GormDB *gorm.DB

func InitDB() {
	if config.AppConfig == nil {
		log.Fatal("config.AppConfig is nil, call config.InitConfig first")
	}
	dsn := config.AppConfig.MySQL.DSN
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("打开数据库失败: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		log.Fatalf("连接数据库失败: %v", err)
	}

	DB = db
	GormDB, err = gorm.Open(mysql.New(mysql.Config{
		Conn: DB,
	}), &gorm.Config{})
	if err != nil {
		log.Fatalf("GORM 初始化失败: %v", err)
	}

	log.Println("数据库连接成功 (Native SQL + GORM)")

	// 自动建表（读取 doc/sql/RenderGate.sql）
	b, err := ioutil.ReadFile("doc/sql/RenderGate.sql")
	if err != nil {
		log.Printf("读取 SQL 文件失败（跳过建表）: %v", err)
		return
	}
	sqls := strings.Split(string(b), ";")
	for _, s := range sqls {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, err := DB.Exec(s); err != nil {
			log.Printf("执行建表语句失败: %v ; sql: %s", err, s)
		}
	}
}

// Project CRUD
func CreateProject(p *Project) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := DB.Exec(
		`INSERT INTO project (id, title, description, style, status, cover_image, duration, video_url, scene_count, render_in_flight, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Title, p.Description, p.Style, p.Status, p.CoverImage, p.Duration, p.VideoUrl, p.SceneCount, p.RenderInFlight, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func GetProjectByID(id string) (Project, error) {
	var p Project
	row := DB.QueryRow(`SELECT id, title, description, style, status, cover_image, duration, video_url, scene_count, render_in_flight, created_at, updated_at FROM project WHERE id = ?`, id)
	var createdAt, updatedAt time.Time
	if err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Style, &p.Status, &p.CoverImage, &p.Duration, &p.VideoUrl, &p.SceneCount, &p.RenderInFlight, &createdAt, &updatedAt); err != nil {
		return p, err
	}
	p.CreatedAt = createdAt
	p.UpdatedAt = updatedAt
	return p, nil
}

// UpdateProjectByID 只更新非空字段（title/description/style）
func UpdateProjectByID(id string, title, description, style string) error {
	sets := []string{}
	args := []interface{}{}
	if title != "" {
		sets = append(sets, "title = ?")
		args = append(args, title)
	}
	if description != "" {
		sets = append(sets, "description = ?")
		args = append(args, description)
	}
	if style != "" {
		sets = append(sets, "style = ?")
		args = append(args, style)
	}
	if len(sets) == 0 {
		return nil
	}
	query := fmt.Sprintf("UPDATE project SET %s, updated_at = ? WHERE id = ?", strings.Join(sets, ", "))
	args = append(args, time.Now(), id)
	_, err := DB.Exec(query, args...)
	return err
}

func DeleteProjectByID(id string) error {
	_, err := DB.Exec(`DELETE FROM project WHERE id = ?`, id)
	return err
}

func SetProjectStatus(id, status string) error {
	_, err := DB.Exec(`UPDATE project SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), id)
	return err
}

// SetProjectVideo 渲染成功后写入成片地址并置为 ready
func SetProjectVideo(id, videoURL string, durationSec int) error {
	_, err := DB.Exec(`UPDATE project SET video_url = ?, duration = ?, status = ?, updated_at = ? WHERE id = ?`,
		videoURL, durationSec, ProjectStatusReady, time.Now(), id)
	return err
}

// ClaimRender 以原子比较并置位的方式占用项目的渲染位。
// 并发请求可能同时走到这里，占用判定必须落在存储层而不是进程内存。
// 返回 true 表示本请求赢得占用，false 表示已有渲染在途。
func ClaimRender(id string) (bool, error) {
	res, err := DB.Exec(`UPDATE project SET render_in_flight = 1, updated_at = ? WHERE id = ? AND render_in_flight = 0`, time.Now(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseRender 渲染结束（无论成败）后释放占用位
func ReleaseRender(id string) error {
	_, err := DB.Exec(`UPDATE project SET render_in_flight = 0, updated_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

func AddProjectSceneCount(id string, delta int) error {
	_, err := DB.Exec(`UPDATE project SET scene_count = scene_count + ?, updated_at = ? WHERE id = ?`, delta, time.Now(), id)
	return err
}

// Scene CRUD
func CreateScene(s *Scene) error {
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now
	_, err := DB.Exec(
		`INSERT INTO scene (id, project_id, `+"`order`"+`, title, description, prompt, status, asset_path, transition, duration_sec, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ProjectId, s.Order, s.Title, s.Description, s.Prompt, s.Status, s.AssetPath, s.Transition, s.DurationSec, s.CreatedAt, s.UpdatedAt,
	)
	return err
}

func GetScenesByProjectID(projectID string) ([]Scene, error) {
	rows, err := DB.Query(`SELECT id, project_id, `+"`order`"+`, title, description, prompt, status, asset_path, transition, duration_sec, created_at, updated_at FROM scene WHERE project_id = ? ORDER BY `+"`order`"+` ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Scene
	for rows.Next() {
		var s Scene
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&s.ID, &s.ProjectId, &s.Order, &s.Title, &s.Description, &s.Prompt, &s.Status, &s.AssetPath, &s.Transition, &s.DurationSec, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		s.CreatedAt = createdAt
		s.UpdatedAt = updatedAt
		res = append(res, s)
	}
	return res, nil
}

func GetSceneByID(projectID, sceneID string) (Scene, error) {
	var s Scene
	row := DB.QueryRow(`SELECT id, project_id, `+"`order`"+`, title, description, prompt, status, asset_path, transition, duration_sec, created_at, updated_at FROM scene WHERE id = ? AND project_id = ?`, sceneID, projectID)
	var createdAt, updatedAt time.Time
	if err := row.Scan(&s.ID, &s.ProjectId, &s.Order, &s.Title, &s.Description, &s.Prompt, &s.Status, &s.AssetPath, &s.Transition, &s.DurationSec, &createdAt, &updatedAt); err != nil {
		return s, err
	}
	s.CreatedAt = createdAt
	s.UpdatedAt = updatedAt
	return s, nil
}

func UpdateSceneByID(projectID, sceneID, title, prompt, transition string, durationSec int) error {
	// 动态构建更新字段，只更新非空值
	sets := []string{}
	args := []interface{}{}
	if title != "" {
		sets = append(sets, "title = ?")
		args = append(args, title)
	}
	if prompt != "" {
		sets = append(sets, "prompt = ?")
		args = append(args, prompt)
	}
	if transition != "" {
		sets = append(sets, "transition = ?")
		args = append(args, transition)
	}
	if durationSec > 0 {
		sets = append(sets, "duration_sec = ?")
		args = append(args, durationSec)
	}
	if len(sets) == 0 {
		return nil
	}
	query := fmt.Sprintf("UPDATE scene SET %s, updated_at = ? WHERE id = ? AND project_id = ?", strings.Join(sets, ", "))
	args = append(args, time.Now(), sceneID, projectID)
	_, err := DB.Exec(query, args...)
	return err
}

func DeleteSceneByID(projectID, sceneID string) error {
	_, err := DB.Exec(`DELETE FROM scene WHERE id = ? AND project_id = ?`, sceneID, projectID)
	return err
}

func DeleteScenesByProjectID(projectID string) error {
	_, err := DB.Exec(`DELETE FROM scene WHERE project_id = ?`, projectID)
	return err
}

// SceneQA CRUD
func CreateSceneQARecord(r *SceneQARecord) error {
	// 状态枚举封闭，未知取值不允许落库
	if !r.Status.IsValid() {
		return fmt.Errorf("invalid qa status: %s", r.Status)
	}
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	issues, _ := json.Marshal(r.Issues)
	_, err := DB.Exec(
		`INSERT INTO scene_qa (id, project_id, scene_id, status, overall_score, critical_issues, issues, source, locked, superseded, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectId, r.SceneId, string(r.Status), r.OverallScore, r.CriticalIssues, issues, r.Source, r.Locked, r.Superseded, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func scanQARecord(row interface{ Scan(...interface{}) error }) (SceneQARecord, error) {
	var r SceneQARecord
	var status string
	var issuesBytes []byte
	var createdAt, updatedAt time.Time
	if err := row.Scan(&r.ID, &r.ProjectId, &r.SceneId, &status, &r.OverallScore, &r.CriticalIssues, &issuesBytes, &r.Source, &r.Locked, &r.Superseded, &createdAt, &updatedAt); err != nil {
		return r, err
	}
	r.Status = SceneQAStatus(status)
	_ = json.Unmarshal(issuesBytes, &r.Issues)
	r.CreatedAt = createdAt
	r.UpdatedAt = updatedAt
	return r, nil
}

// GetCurrentQARecords 返回项目当前生效（superseded=0）的全部评估记录，
// 按 scene_id 排序保证评估输入顺序稳定
func GetCurrentQARecords(projectID string) ([]SceneQARecord, error) {
	rows, err := DB.Query(`SELECT id, project_id, scene_id, status, overall_score, critical_issues, issues, source, locked, superseded, created_at, updated_at FROM scene_qa WHERE project_id = ? AND superseded = 0 ORDER BY scene_id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []SceneQARecord
	for rows.Next() {
		r, err := scanQARecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, nil
}

// GetCurrentQARecordByScene 返回分镜当前生效的评估记录，不存在时返回 sql.ErrNoRows
func GetCurrentQARecordByScene(projectID, sceneID string) (SceneQARecord, error) {
	row := DB.QueryRow(`SELECT id, project_id, scene_id, status, overall_score, critical_issues, issues, source, locked, superseded, created_at, updated_at FROM scene_qa WHERE project_id = ? AND scene_id = ? AND superseded = 0 ORDER BY created_at DESC LIMIT 1`, projectID, sceneID)
	return scanQARecord(row)
}

// UpdateQAAssessment 分析写回：原地更新现行记录的评估字段
func UpdateQAAssessment(id string, status SceneQAStatus, overallScore float64, criticalIssues int, issues IssueList, source string) error {
	issuesBytes, _ := json.Marshal(issues)
	_, err := DB.Exec(`UPDATE scene_qa SET status = ?, overall_score = ?, critical_issues = ?, issues = ?, source = ?, updated_at = ? WHERE id = ?`,
		string(status), overallScore, criticalIssues, issuesBytes, source, time.Now(), id)
	return err
}

// UpdateQAStatus 人工评审：只改状态
func UpdateQAStatus(id string, status SceneQAStatus, source string) error {
	_, err := DB.Exec(`UPDATE scene_qa SET status = ?, source = ?, updated_at = ? WHERE id = ?`, string(status), source, time.Now(), id)
	return err
}

// SupersedeQARecord 将旧记录标记为历史，并在同一事务内建立取代它的新现行记录。
// 两条语句同生共死：分镜任何时刻都必须保有一条 superseded=0 的现行记录，
// 中途失败整体回滚，旧记录保持现行。
func SupersedeQARecord(oldID string, fresh *SceneQARecord) error {
	if !fresh.Status.IsValid() {
		return fmt.Errorf("invalid qa status: %s", fresh.Status)
	}
	now := time.Now()
	fresh.CreatedAt = now
	fresh.UpdatedAt = now
	issues, _ := json.Marshal(fresh.Issues)

	tx, err := DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE scene_qa SET superseded = 1, updated_at = ? WHERE id = ?`, now, oldID); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO scene_qa (id, project_id, scene_id, status, overall_score, critical_issues, issues, source, locked, superseded, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fresh.ID, fresh.ProjectId, fresh.SceneId, string(fresh.Status), fresh.OverallScore, fresh.CriticalIssues, issues, fresh.Source, fresh.Locked, fresh.Superseded, fresh.CreatedAt, fresh.UpdatedAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// LockProjectQARecords 渲染成功后固化项目当前全部评估记录为历史快照
func LockProjectQARecords(projectID string) error {
	_, err := DB.Exec(`UPDATE scene_qa SET locked = 1, updated_at = ? WHERE project_id = ? AND superseded = 0`, time.Now(), projectID)
	return err
}

func DeleteQARecordsByScene(projectID, sceneID string) error {
	_, err := DB.Exec(`DELETE FROM scene_qa WHERE project_id = ? AND scene_id = ?`, projectID, sceneID)
	return err
}

func DeleteQARecordsByProjectID(projectID string) error {
	_, err := DB.Exec(`DELETE FROM scene_qa WHERE project_id = ?`, projectID)
	return err
}

// Job create helper
func CreateJob(j *Job) error {
	now := time.Now()
	j.CreatedAt = now
	j.UpdatedAt = now

	params, _ := json.Marshal(j.Parameters)
	result, _ := json.Marshal(j.Result)

	// started_at / finished_at 如果是零值则传 nil
	var startedAtParam interface{}
	if j.StartedAt.IsZero() {
		startedAtParam = nil
	} else {
		startedAtParam = j.StartedAt
	}
	var finishedAtParam interface{}
	if j.FinishedAt.IsZero() {
		finishedAtParam = nil
	} else {
		finishedAtParam = j.FinishedAt
	}

	var sceneIDParam interface{}
	if j.SceneId == "" {
		sceneIDParam = nil
	} else {
		sceneIDParam = j.SceneId
	}

	_, err := DB.Exec(`INSERT INTO job (id, project_id, scene_id, type, status, progress, message, parameters, result, error, forced, requested_by, started_at, finished_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.ProjectId, sceneIDParam, j.Type, j.Status, j.Progress, j.Message, params, result, j.Error, j.Forced, j.RequestedBy, startedAtParam, finishedAtParam, j.CreatedAt, j.UpdatedAt,
	)
	return err
}

// ScanJobRow 供 API 层的裸查询复用 job 行扫描
func ScanJobRow(row interface{ Scan(...interface{}) error }) (Job, error) {
	return scanJob(row)
}

func scanJob(row interface{ Scan(...interface{}) error }) (Job, error) {
	var j Job
	var paramsBytes, resultBytes []byte
	var startedAt, finishedAt, createdAt, updatedAt sql.NullTime
	var sceneIDNull sql.NullString
	var messageNull sql.NullString
	var errorNull sql.NullString

	if err := row.Scan(&j.ID, &j.ProjectId, &sceneIDNull, &j.Type, &j.Status, &j.Progress, &messageNull, &paramsBytes, &resultBytes, &errorNull, &j.Forced, &j.RequestedBy, &startedAt, &finishedAt, &createdAt, &updatedAt); err != nil {
		return j, err
	}

	if sceneIDNull.Valid {
		j.SceneId = sceneIDNull.String
	}
	if messageNull.Valid {
		j.Message = messageNull.String
	}
	if errorNull.Valid {
		j.Error = errorNull.String
	}

	_ = json.Unmarshal(paramsBytes, &j.Parameters)
	_ = json.Unmarshal(resultBytes, &j.Result)

	if startedAt.Valid {
		j.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		j.FinishedAt = finishedAt.Time
	}
	if createdAt.Valid {
		j.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		j.UpdatedAt = updatedAt.Time
	}
	return j, nil
}

func GetJobByID(id string) (Job, error) {
	row := DB.QueryRow(`SELECT id, project_id, scene_id, type, status, progress, message, parameters, result, error, forced, requested_by, started_at, finished_at, created_at, updated_at FROM job WHERE id = ?`, id)
	return scanJob(row)
}

// GetRunningRenderJob 查询项目在途的渲染任务（pending/processing），没有则返回 sql.ErrNoRows
func GetRunningRenderJob(projectID string) (Job, error) {
	row := DB.QueryRow(`SELECT id, project_id, scene_id, type, status, progress, message, parameters, result, error, forced, requested_by, started_at, finished_at, created_at, updated_at FROM job WHERE project_id = ? AND type = ? AND status IN (?, ?) ORDER BY created_at DESC LIMIT 1`,
		projectID, JobTypeRenderVideo, JobStatusPending, JobStatusProcessing)
	return scanJob(row)
}

// GetProcessingJobs 查询项目所有 processing 状态任务（删除项目时用于取消）
func GetProcessingJobs(projectID string) ([]Job, error) {
	rows, err := DB.Query(`SELECT id, project_id, scene_id, type, status, progress, message, parameters, result, error, forced, requested_by, started_at, finished_at, created_at, updated_at FROM job WHERE project_id = ? AND status = ?`, projectID, JobStatusProcessing)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, nil
}

func DeleteJobsByProjectID(projectID string) error {
	_, err := DB.Exec(`DELETE FROM job WHERE project_id = ?`, projectID)
	return err
}

// UpdateJobStatusFields 更新任务的状态/进度/消息/结果等（部分字段允许为空）
func UpdateJobStatusFields(id string, status string, progress *int, message *string, result *JobResult, errStr *string, startedAt *time.Time, finishedAt *time.Time) error {
	// 动态构建更新字段
	sets := []string{}
	args := []interface{}{}

	if status != "" {
		sets = append(sets, "status = ?")
		args = append(args, status)
	}
	if progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *progress)
	}
	if message != nil {
		sets = append(sets, "message = ?")
		args = append(args, *message)
	}
	if result != nil {
		b, _ := json.Marshal(result)
		sets = append(sets, "result = ?")
		args = append(args, b)
	}
	if errStr != nil {
		sets = append(sets, "error = ?")
		args = append(args, *errStr)
	}
	if startedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *startedAt)
	}
	if finishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *finishedAt)
	}

	// 必须至少有一个字段更新
	if len(sets) == 0 {
		// 仅更新时间戳
		_, err := DB.Exec(`UPDATE job SET updated_at = ? WHERE id = ?`, time.Now(), id)
		return err
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now())

	query := fmt.Sprintf("UPDATE job SET %s WHERE id = ?", strings.Join(sets, ", "))
	args = append(args, id)

	_, err := DB.Exec(query, args...)
	return err
}
