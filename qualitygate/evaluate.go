// Package qualitygate 聚合项目全部分镜的质量评估记录，
// 产出项目级质量报告与是否允许渲染的结论。
// 本包不做任何 I/O，不依赖存储层，输入相同则输出逐字节相同。
package qualitygate

import (
	"errors"
	"fmt"
	"math"
)

// Status 分镜质量评估状态，取值封闭
type Status string

const (
	StatusPending     Status = "pending"
	StatusApproved    Status = "approved"
	StatusNeedsReview Status = "needs_review"
	StatusRejected    Status = "rejected"
)

// ErrInvalidInput 评估记录本身不合法（分数越界、状态未知、负的缺陷计数）。
// 调用方应修复上游数据，不应吞掉该错误。
var ErrInvalidInput = errors.New("invalid scene qa record")

// SceneRecord 单个分镜的质量评估输入
type SceneRecord struct {
	SceneID        string  `json:"sceneId"`
	Status         Status  `json:"status"`
	OverallScore   float64 `json:"overallScore"`
	CriticalIssues int     `json:"criticalIssues"`
}

// Policy 质量阈值配置，显式传入而不是读全局变量
type Policy struct {
	MinimumProjectScore float64 `json:"minimumProjectScore"`
}

// DefaultMinimumProjectScore 项目平均分默认下限
const DefaultMinimumProjectScore = 75

func DefaultPolicy() Policy {
	return Policy{MinimumProjectScore: DefaultMinimumProjectScore}
}

// Report 项目级质量报告。
// 不变式：CanRender == (len(BlockingReasons) == 0)
type Report struct {
	OverallScore       float64  `json:"overallScore"`
	SceneCount         int      `json:"sceneCount"`
	RejectedCount      int      `json:"rejectedCount"`
	NeedsReviewCount   int      `json:"needsReviewCount"`
	CriticalIssueCount int      `json:"criticalIssueCount"`
	CanRender          bool     `json:"canRender"`
	BlockingReasons    []string `json:"blockingReasons"`
}

// ValidateRecord 校验单条评估记录，不合法时返回包裹 ErrInvalidInput 的错误。
// 评估入口和评估器共用同一套校验，保证落库的数据一定能参与聚合。
func ValidateRecord(r SceneRecord) error {
	if r.OverallScore < 0 || r.OverallScore > 100 {
		return fmt.Errorf("%w: scene %s score %g out of range [0,100]", ErrInvalidInput, r.SceneID, r.OverallScore)
	}
	switch r.Status {
	case StatusPending, StatusApproved, StatusNeedsReview, StatusRejected:
	default:
		return fmt.Errorf("%w: scene %s has unknown status %q", ErrInvalidInput, r.SceneID, r.Status)
	}
	if r.CriticalIssues < 0 {
		return fmt.Errorf("%w: scene %s critical issue count %d is negative", ErrInvalidInput, r.SceneID, r.CriticalIssues)
	}
	return nil
}

// Evaluate 按固定顺序检查全部拦截条件并累积原因，不在第一条命中时提前返回，
// 让调用方一次拿到完整的整改清单：
//
//	1. 没有任何评估记录
//	2. 存在 rejected 分镜
//	3. 存在 needs_review 分镜
//	4. 严重缺陷总数大于零
//	5. 平均分低于 Policy.MinimumProjectScore（严格小于，等于下限算通过）
//
// rejected 分镜已经必须重新生成，其旧分数不计入平均分；
// 全部分镜都被 reject 时没有可用的平均分，第 5 条不触发。
// 平均分保留两位小数。任何一条记录不合法时整体返回 ErrInvalidInput，不做静默修正。
func Evaluate(records []SceneRecord, policy Policy) (*Report, error) {
	for _, r := range records {
		if err := ValidateRecord(r); err != nil {
			return nil, err
		}
	}

	report := &Report{BlockingReasons: []string{}}

	// 没有评估记录时后面的计数全部无意义，只给出这一条原因
	if len(records) == 0 {
		report.BlockingReasons = append(report.BlockingReasons, "Quality analysis required before rendering.")
		return report, nil
	}

	var sum float64
	var scored int
	for _, r := range records {
		switch r.Status {
		case StatusRejected:
			report.RejectedCount++
		case StatusNeedsReview:
			report.NeedsReviewCount++
		}
		if r.Status != StatusRejected {
			sum += r.OverallScore
			scored++
		}
		report.CriticalIssueCount += r.CriticalIssues
	}
	report.SceneCount = len(records)
	if scored > 0 {
		report.OverallScore = math.Round(sum/float64(scored)*100) / 100
	}

	if report.RejectedCount > 0 {
		report.BlockingReasons = append(report.BlockingReasons,
			fmt.Sprintf("%d scene(s) rejected — must regenerate.", report.RejectedCount))
	}
	if report.NeedsReviewCount > 0 {
		report.BlockingReasons = append(report.BlockingReasons,
			fmt.Sprintf("%d scene(s) need review — approve or regenerate.", report.NeedsReviewCount))
	}
	if report.CriticalIssueCount > 0 {
		report.BlockingReasons = append(report.BlockingReasons,
			fmt.Sprintf("%d critical issue(s) must be resolved.", report.CriticalIssueCount))
	}
	if scored > 0 && report.OverallScore < policy.MinimumProjectScore {
		report.BlockingReasons = append(report.BlockingReasons,
			fmt.Sprintf("Overall score (%g) below minimum (%g).", report.OverallScore, policy.MinimumProjectScore))
	}

	report.CanRender = len(report.BlockingReasons) == 0
	return report, nil
}
