package api

import "RenderGate-server/service"

// 由 InitRouter 注入的共享依赖
var (
	guard *service.RenderGuard
	cache service.ReportCache
)

func Setup(g *service.RenderGuard, c service.ReportCache) {
	guard = g
	cache = c
}
