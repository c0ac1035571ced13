package api

import (
	"errors"
	"net/http"

	"RenderGate-server/models"
	"RenderGate-server/qualitygate"
	"RenderGate-server/service"

	"github.com/gin-gonic/gin"
)

// 请求整片渲染。门禁判定、占用位抢占、任务入队全部在 service.RenderGuard 内完成，
// 这里只负责参数绑定和错误分类：
//   - 项目不存在        -> 404
//   - 越权 force        -> 403（与门禁拦截的响应形状区分开）
//   - 门禁拦截          -> 200 + accepted=false（业务结论，不是错误）
//   - 存量评估数据非法  -> 500
func RenderProject(c *gin.Context) {
	projectID := c.Param("project_id")
	var req struct {
		ForceRender bool   `form:"force_render" json:"force_render"`
		CallerRole  string `form:"caller_role" json:"caller_role"`
		Resolution  string `form:"resolution" json:"resolution"`
		FPS         int    `form:"fps" json:"fps"`
		Format      string `form:"format" json:"format"`
		Bitrate     int    `form:"bitrate" json:"bitrate"`
	}
	// ShouldBind 按 Content-Type 选择绑定方式，JSON 和表单都接受
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	// 调用方角色优先取请求体，其次取网关注入的头
	callerRole := req.CallerRole
	if callerRole == "" {
		callerRole = c.GetHeader("X-Caller-Role")
	}

	params := models.RenderParams{
		Resolution: req.Resolution,
		FPS:        req.FPS,
		Format:     req.Format,
		Bitrate:    req.Bitrate,
	}

	decision, err := guard.RequestRender(c.Request.Context(), projectID, req.ForceRender, callerRole, params)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrProjectNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		case errors.Is(err, service.ErrPrivilegedRoleRequired):
			c.JSON(http.StatusForbidden, gin.H{
				"accepted":  false,
				"denied_by": "authorization",
				"error":     err.Error(),
			})
		case errors.Is(err, qualitygate.ErrInvalidInput):
			c.JSON(http.StatusInternalServerError, gin.H{"error": "存量评估数据非法: " + err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "渲染请求处理失败: " + err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, decision)
}
