package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SceneQAStatus 为封闭枚举：除以下四个取值外一律视为非法数据
type SceneQAStatus string

const (
	// pending: 等待质量分析（新建或重生后的评估周期）
	QAStatusPending SceneQAStatus = "pending"
	// approved: 评审通过，终态
	QAStatusApproved SceneQAStatus = "approved"
	// needs_review: 自动分析要求人工复核
	QAStatusNeedsReview SceneQAStatus = "needs_review"
	// rejected: 评审不通过，需重新生成
	QAStatusRejected SceneQAStatus = "rejected"
)

// 评估来源
const (
	QASourceAutomated = "automated"
	QASourceManual    = "manual"
)

var (
	// ErrIllegalTransition QA 状态跳转不在允许的转换图内
	ErrIllegalTransition = errors.New("illegal qa status transition")
	// ErrRecordLocked 记录已被成功渲染固化为历史，禁止原地修改
	ErrRecordLocked = errors.New("qa record locked by a completed render")
)

// IsValid 仅接受四个枚举值
func (s SceneQAStatus) IsValid() bool {
	switch s {
	case QAStatusPending, QAStatusApproved, QAStatusNeedsReview, QAStatusRejected:
		return true
	}
	return false
}

// qaTransitions 状态转换图：
//   pending      -> approved / needs_review / rejected （分析写回）
//   needs_review -> approved / rejected               （人工评审）
//   rejected     -> pending                           （重新生成请求）
// approved 为终态。所有跳转均由外部触发，评估器只读取当前状态。
var qaTransitions = map[SceneQAStatus][]SceneQAStatus{
	QAStatusPending:     {QAStatusApproved, QAStatusNeedsReview, QAStatusRejected},
	QAStatusNeedsReview: {QAStatusApproved, QAStatusRejected},
	QAStatusRejected:    {QAStatusPending},
	QAStatusApproved:    {},
}

// CanTransitionQAStatus 判断 from -> to 是否合法
func CanTransitionQAStatus(from, to SceneQAStatus) bool {
	for _, next := range qaTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IssueList 以 JSON 列存储的问题描述列表（仅做台账，门禁只统计 critical_issues 计数）
type IssueList []string

func (l IssueList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal(l)
}

func (l *IssueList) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSONB value:", value))
	}
	return json.Unmarshal(bytes, l)
}

// SceneQARecord 单个分镜的质量评估记录。
// 每个分镜同一时刻只有一条 superseded=0 的现行记录；
// 渲染成功后记录被 locked，之后只能通过重生开启新的评估周期。
type SceneQARecord struct {
	ID             string        `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId      string        `json:"projectId"`
	SceneId        string        `json:"sceneId"`
	Status         SceneQAStatus `json:"status"`
	OverallScore   float64       `json:"overallScore"`
	CriticalIssues int           `json:"criticalIssues"`
	Issues         IssueList     `gorm:"type:json" json:"issues"`
	Source         string        `json:"source"`
	Locked         bool          `json:"locked"`
	Superseded     bool          `json:"superseded"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

func (SceneQARecord) TableName() string {
	return "scene_qa"
}
