package api

import (
	"net/http"
	"time"

	"RenderGate-server/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// 任务进度 WebSocket 推送（以数据库为来源：先读取 DB，然后循环轮询 DB 并推送）
// 外部 worker 的轮询与写回由任务执行器负责，这里只订阅并推送 DB 中的最新数据。
func JobProgressWebSocket(c *gin.Context) {
	jobID := c.Param("job_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "WebSocket升级失败"})
		return
	}
	defer conn.Close()

	// 先从 DB 读取当前任务状态并推送
	j, err := models.GetJobByID(jobID)
	if err != nil {
		conn.WriteJSON(map[string]interface{}{"error": "job not found: " + err.Error()})
		return
	}
	_ = conn.WriteJSON(j)

	// 轮询 DB 并推送差异（简单实现：每秒查询一次直到任务进入终态）
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	prevStatus := j.Status
	prevProgress := j.Progress

	for range ticker.C {
		cur, err := models.GetJobByID(jobID)
		if err != nil {
			// 若查询失败，继续重试；也可以选择断开连接
			continue
		}

		// 若状态/进度等有变化则推送
		if cur.Status != prevStatus || cur.Progress != prevProgress {
			if err := conn.WriteJSON(cur); err != nil {
				break
			}
			prevStatus = cur.Status
			prevProgress = cur.Progress
		}

		if cur.Status == models.JobStatusSuccess || cur.Status == models.JobStatusFailed || cur.Status == models.JobStatusCancelled {
			// 发送最终状态后关闭连接
			_ = conn.WriteJSON(cur)
			break
		}
	}
}

// 查询任务状态：GET /v1/api/jobs/:job_id
func GetJobStatus(c *gin.Context) {
	jobID := c.Param("job_id")
	j, err := models.GetJobByID(jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": j})
}
