package qualitygate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateAllApprovedPasses(t *testing.T) {
	records := []SceneRecord{
		{SceneID: "s1", Status: StatusApproved, OverallScore: 90, CriticalIssues: 0},
	}

	report, err := Evaluate(records, Policy{MinimumProjectScore: 75})
	require.NoError(t, err)

	assert.True(t, report.CanRender)
	assert.Empty(t, report.BlockingReasons)
	assert.Equal(t, 90.0, report.OverallScore)
	assert.Equal(t, 1, report.SceneCount)
	assert.Equal(t, 0, report.RejectedCount)
	assert.Equal(t, 0, report.NeedsReviewCount)
	assert.Equal(t, 0, report.CriticalIssueCount)
}

func TestEvaluateRejectedSceneBlocks(t *testing.T) {
	records := []SceneRecord{
		{SceneID: "s1", Status: StatusRejected, OverallScore: 40, CriticalIssues: 0},
	}

	report, err := Evaluate(records, Policy{MinimumProjectScore: 75})
	require.NoError(t, err)

	assert.False(t, report.CanRender)
	assert.Equal(t, []string{"1 scene(s) rejected — must regenerate."}, report.BlockingReasons)
	assert.Equal(t, 1, report.RejectedCount)
	// 被 reject 的分镜不参与平均分，也不会连带触发分数下限
	assert.Equal(t, 0.0, report.OverallScore)
}

func TestEvaluateLowScoreBlocks(t *testing.T) {
	records := []SceneRecord{
		{SceneID: "s1", Status: StatusApproved, OverallScore: 60, CriticalIssues: 0},
	}

	report, err := Evaluate(records, Policy{MinimumProjectScore: 75})
	require.NoError(t, err)

	assert.False(t, report.CanRender)
	assert.Equal(t, []string{"Overall score (60) below minimum (75)."}, report.BlockingReasons)
}

func TestEvaluateReasonsAccumulateInOrder(t *testing.T) {
	records := []SceneRecord{
		{SceneID: "a", Status: StatusRejected, OverallScore: 10, CriticalIssues: 0},
		{SceneID: "b", Status: StatusNeedsReview, OverallScore: 50, CriticalIssues: 2},
		{SceneID: "c", Status: StatusApproved, OverallScore: 70, CriticalIssues: 1},
	}

	report, err := Evaluate(records, Policy{MinimumProjectScore: 75})
	require.NoError(t, err)

	assert.False(t, report.CanRender)
	assert.Equal(t, []string{
		"1 scene(s) rejected — must regenerate.",
		"1 scene(s) need review — approve or regenerate.",
		"3 critical issue(s) must be resolved.",
		"Overall score (60) below minimum (75).",
	}, report.BlockingReasons)
	assert.Equal(t, 3, report.SceneCount)
	assert.Equal(t, 60.0, report.OverallScore)
}

func TestEvaluateEmptySetRequiresAnalysis(t *testing.T) {
	report, err := Evaluate(nil, DefaultPolicy())
	require.NoError(t, err)

	assert.False(t, report.CanRender)
	assert.Equal(t, []string{"Quality analysis required before rendering."}, report.BlockingReasons)
	assert.Equal(t, 0, report.SceneCount)

	report2, err := Evaluate([]SceneRecord{}, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, report, report2)
}

func TestEvaluateScoreBoundary(t *testing.T) {
	tests := []struct {
		name    string
		score   float64
		pass    bool
		reasons []string
	}{
		{"exactly at minimum passes", 75, true, []string{}},
		{"just below minimum fails", 74.99, false, []string{"Overall score (74.99) below minimum (75)."}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := []SceneRecord{
				{SceneID: "s1", Status: StatusApproved, OverallScore: tt.score},
			}
			report, err := Evaluate(records, Policy{MinimumProjectScore: 75})
			require.NoError(t, err)
			assert.Equal(t, tt.pass, report.CanRender)
			assert.Equal(t, tt.reasons, report.BlockingReasons)
		})
	}
}

func TestEvaluateMeanRoundedToTwoDecimals(t *testing.T) {
	records := []SceneRecord{
		{SceneID: "s1", Status: StatusApproved, OverallScore: 70},
		{SceneID: "s2", Status: StatusApproved, OverallScore: 80},
		{SceneID: "s3", Status: StatusApproved, OverallScore: 82},
	}

	report, err := Evaluate(records, Policy{MinimumProjectScore: 75})
	require.NoError(t, err)

	assert.Equal(t, 77.33, report.OverallScore)
	assert.True(t, report.CanRender)
}

func TestEvaluateAllRejectedSkipsScoreFloor(t *testing.T) {
	records := []SceneRecord{
		{SceneID: "s1", Status: StatusRejected, OverallScore: 20},
		{SceneID: "s2", Status: StatusRejected, OverallScore: 30},
	}

	report, err := Evaluate(records, Policy{MinimumProjectScore: 75})
	require.NoError(t, err)

	assert.False(t, report.CanRender)
	assert.Equal(t, []string{"2 scene(s) rejected — must regenerate."}, report.BlockingReasons)
	assert.Equal(t, 0.0, report.OverallScore)
}

func TestEvaluatePendingScoreCountsTowardMean(t *testing.T) {
	records := []SceneRecord{
		{SceneID: "s1", Status: StatusPending, OverallScore: 0},
		{SceneID: "s2", Status: StatusApproved, OverallScore: 90},
	}

	report, err := Evaluate(records, Policy{MinimumProjectScore: 75})
	require.NoError(t, err)

	assert.False(t, report.CanRender)
	assert.Equal(t, []string{"Overall score (45) below minimum (75)."}, report.BlockingReasons)
}

func TestEvaluateIdempotent(t *testing.T) {
	records := []SceneRecord{
		{SceneID: "a", Status: StatusNeedsReview, OverallScore: 66.5, CriticalIssues: 1},
		{SceneID: "b", Status: StatusApproved, OverallScore: 88, CriticalIssues: 0},
	}
	policy := Policy{MinimumProjectScore: 80}

	first, err := Evaluate(records, policy)
	require.NoError(t, err)
	second, err := Evaluate(records, policy)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestEvaluateCanRenderMatchesReasons(t *testing.T) {
	inputs := [][]SceneRecord{
		nil,
		{{SceneID: "s1", Status: StatusApproved, OverallScore: 95}},
		{{SceneID: "s1", Status: StatusRejected, OverallScore: 10, CriticalIssues: 4}},
		{{SceneID: "s1", Status: StatusNeedsReview, OverallScore: 85}},
		{{SceneID: "s1", Status: StatusPending, OverallScore: 0}},
	}

	for _, records := range inputs {
		report, err := Evaluate(records, DefaultPolicy())
		require.NoError(t, err)
		assert.Equal(t, report.CanRender, len(report.BlockingReasons) == 0)
	}
}

func TestEvaluateRejectsMalformedRecords(t *testing.T) {
	tests := []struct {
		name   string
		record SceneRecord
	}{
		{"score below zero", SceneRecord{SceneID: "bad", Status: StatusApproved, OverallScore: -1}},
		{"score above hundred", SceneRecord{SceneID: "bad", Status: StatusApproved, OverallScore: 100.5}},
		{"unknown status", SceneRecord{SceneID: "bad", Status: Status("maybe"), OverallScore: 50}},
		{"negative critical issues", SceneRecord{SceneID: "bad", Status: StatusApproved, OverallScore: 50, CriticalIssues: -2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := Evaluate([]SceneRecord{tt.record}, DefaultPolicy())
			require.ErrorIs(t, err, ErrInvalidInput)
			assert.Nil(t, report)
			assert.Contains(t, err.Error(), "bad")
		})
	}
}

func TestDefaultPolicy(t *testing.T) {
	assert.Equal(t, 75.0, DefaultPolicy().MinimumProjectScore)
}
