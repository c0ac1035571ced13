package main

import (
	"fmt"

	"RenderGate-server/config"
	"RenderGate-server/models"
	"RenderGate-server/qualitygate"
	"RenderGate-server/routers"
	"RenderGate-server/service"
)

func main() {
	config.InitConfig()
	fmt.Println("Server starting on port", config.AppConfig.Server.Port)
	models.InitDB()
	fmt.Println("Database initialized")

	service.InitQueue()
	fmt.Println("Queue initialized")

	service.InitMinIO()
	fmt.Println("MinIO initialized")

	service.InitRedis()
	fmt.Println("Redis initialized")

	processor := service.NewProcessor(models.GormDB)
	processor.StartProcessor(5)

	cache := service.NewReportCache()
	policy := qualitygate.DefaultPolicy()
	policy.MinimumProjectScore = config.AppConfig.QualityGate.MinimumProjectScore
	guard := service.NewRenderGuard(service.DBRenderStore{}, cache, service.AsynqEnqueuer{}, policy, config.AppConfig.QualityGate.PrivilegedRole)

	r := routers.InitRouter(guard, cache)
	r.Run(config.AppConfig.Server.Port)
}
