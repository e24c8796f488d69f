package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"drcv-go/internal/middleware"
	"drcv-go/internal/service"
	"drcv-go/pkg/log"
)

// HeartbeatHandler 处理客户端的保活请求。
type HeartbeatHandler struct {
	livenessService service.LivenessService
}

// NewHeartbeatHandler 创建一个新的 HeartbeatHandler 实例。
func NewHeartbeatHandler(livenessService service.LivenessService) *HeartbeatHandler {
	return &HeartbeatHandler{livenessService: livenessService}
}

// HeartbeatRequest 定义了心跳 API 的请求体结构。
type HeartbeatRequest struct {
	UploadIDs []uint `json:"upload_ids"`
}

// Heartbeat 刷新客户端以及它仍在进行的上传的活跃时间。
func (h *HeartbeatHandler) Heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	// 空请求体等同于没有进行中的上传
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			log.Warnf("Heartbeat: Invalid request payload, error: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求负载", "data": nil})
			return
		}
	}

	client := c.GetString(middleware.ClientKey)
	if err := h.livenessService.Heartbeat(c.Request.Context(), client, c.Request.UserAgent(), req.UploadIDs); err != nil {
		log.Errorf("Heartbeat: 处理心跳失败, client: %s, error: %v", client, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "message": "存储暂时不可用，请稍后重试", "data": nil})
		return
	}
	c.Status(http.StatusNoContent)
}
