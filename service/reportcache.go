package service

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"RenderGate-server/config"
	"RenderGate-server/qualitygate"

	"github.com/redis/go-redis/v9"
)

var RedisClient *redis.Client

// InitRedis 初始化报告缓存使用的 redis 连接（与任务队列共用同一实例）
func InitRedis() {
	RedisClient = redis.NewClient(&redis.Options{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	})
	if err := RedisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("连接 Redis 失败: %v", err)
	}
	log.Println("Redis 连接成功")
}

// RedisReportCache 项目质量报告缓存。
// 报告始终可以从 scene_qa 现行记录重算，缓存只是避免每次渲染请求都扫全表；
// 任何 QA 记录、分镜或项目的变更都应调用 InvalidateReport。
type RedisReportCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewReportCache() *RedisReportCache {
	ttl := time.Duration(config.AppConfig.QualityGate.ReportCacheTTLSeconds) * time.Second
	return &RedisReportCache{rdb: RedisClient, ttl: ttl}
}

func reportKey(projectID string) string {
	return "qa_report:" + projectID
}

// GetReport 命中返回缓存的报告，未命中或出错返回 false
func (c *RedisReportCache) GetReport(ctx context.Context, projectID string) (*qualitygate.Report, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	val, err := c.rdb.Get(ctx, reportKey(projectID)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Printf("读取报告缓存失败: %v", err)
		}
		reportCacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	var report qualitygate.Report
	if err := json.Unmarshal([]byte(val), &report); err != nil {
		log.Printf("解析缓存报告失败: %v", err)
		reportCacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	reportCacheLookups.WithLabelValues("hit").Inc()
	return &report, true
}

// SetReport 写入缓存，失败只记日志不影响主流程
func (c *RedisReportCache) SetReport(ctx context.Context, projectID string, report *qualitygate.Report) {
	if c == nil || c.rdb == nil || report == nil {
		return
	}
	b, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, reportKey(projectID), b, c.ttl).Err(); err != nil {
		log.Printf("写入报告缓存失败: %v", err)
	}
}

// InvalidateReport 删除缓存
func (c *RedisReportCache) InvalidateReport(ctx context.Context, projectID string) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, reportKey(projectID)).Err(); err != nil {
		log.Printf("删除报告缓存失败: %v", err)
	}
}
