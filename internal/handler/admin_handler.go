package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"drcv-go/internal/service"
	"drcv-go/internal/tunnel"
	"drcv-go/pkg/log"
)

// TunnelReporter 提供隧道的当前状态，*tunnel.Supervisor 满足该接口。
type TunnelReporter interface {
	Status() tunnel.Status
}

// AdminHandler 负责处理本机管理接口的查询请求。
type AdminHandler struct {
	adminService service.AdminService
	tunnel       TunnelReporter
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。未启用隧道时 tunnel 为 nil。
func NewAdminHandler(adminService service.AdminService, tunnel TunnelReporter) *AdminHandler {
	return &AdminHandler{
		adminService: adminService,
		tunnel:       tunnel,
	}
}

// ListUploads 处理 GET /data?page=&q=，分页返回上传历史。
func (h *AdminHandler) ListUploads(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的页码", "data": nil})
		return
	}

	resp, err := h.adminService.ListUploads(c.Request.Context(), page, c.Query("q"))
	if err != nil {
		log.Error("ListUploads: 获取上传历史失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "获取上传历史失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": resp})
}

// ListClients 处理 GET /clients，返回客户端名册。
func (h *AdminHandler) ListClients(c *gin.Context) {
	clients, err := h.adminService.ListClients(c.Request.Context())
	if err != nil {
		log.Error("ListClients: 获取客户端列表失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "获取客户端列表失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": clients})
}

// TunnelStatus 处理 GET /tunnel。隧道未运行时 hostname 为 null。
func (h *AdminHandler) TunnelStatus(c *gin.Context) {
	status := tunnel.Status{State: tunnel.StateUnavailable}
	if h.tunnel != nil {
		status = h.tunnel.Status()
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": status})
}
