package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 渲染门禁与任务处理的计数器，经 /metrics 暴露
var (
	renderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rendergate_render_requests_total",
		Help: "Render requests by outcome (accepted / denied_gate / denied_auth / duplicate) and forced flag",
	}, []string{"outcome", "forced"})

	gateEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rendergate_gate_evaluations_total",
		Help: "Quality gate evaluations by verdict",
	}, []string{"verdict"})

	reportCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rendergate_report_cache_lookups_total",
		Help: "QA report cache lookups by result",
	}, []string{"result"})

	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rendergate_jobs_processed_total",
		Help: "Queue jobs processed by type and final status",
	}, []string{"type", "status"})
)
