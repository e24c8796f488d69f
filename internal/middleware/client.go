package middleware

import (
	"github.com/gin-gonic/gin"

	"drcv-go/internal/service"
	"drcv-go/pkg/log"
)

// ClientKey 是 gin.Context 中保存客户端地址的键。
const ClientKey = "client"

// tunnelHeader 由 cloudflared 写入，携带隧道另一端的真实地址。
const tunnelHeader = "CF-Connecting-IP"

// TrustTunnel 配置 engine 的 ClientIP 解析方式。
// 启用隧道时只有本机对端 (cloudflared) 发来的 CF-Connecting-IP 被采信；
// 局域网对端直接连接时该头被忽略，地址取自套接字。未启用隧道时不采信任何转发头。
func TrustTunnel(engine *gin.Engine, enabled bool) error {
	if !enabled {
		return engine.SetTrustedProxies(nil)
	}
	engine.RemoteIPHeaders = []string{tunnelHeader}
	return engine.SetTrustedProxies([]string{"127.0.0.1", "::1"})
}

// ClientTracker 把请求方地址存入上下文，并刷新该客户端的 last_seen。
// 客户端地址来自 gin 的 ClientIP，采信哪些转发头由 TrustTunnel 决定。
func ClientTracker(liveness service.LivenessService) gin.HandlerFunc {
	return func(c *gin.Context) {
		client := c.ClientIP()
		c.Set(ClientKey, client)

		// 名册更新失败不影响本次请求，请求本身会在访问存储时报告错误
		if err := liveness.TouchClient(c.Request.Context(), client, c.Request.UserAgent()); err != nil {
			log.Warnf("[ClientTracker] 更新客户端 %s 失败: %v", client, err)
		}
		c.Next()
	}
}
