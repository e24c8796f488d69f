package middleware

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
)

// LoopbackOnly 拒绝所有不是来自本机回环地址的请求。
// 它检查 TCP 连接的对端地址，不信任任何转发请求头。
func LoopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			host = c.Request.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": "管理接口只允许本机访问", "data": nil})
			return
		}
		c.Next()
	}
}

// BodyLimit 限制请求体的最大字节数，超出时读取请求体会失败。
func BodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"code": http.StatusRequestEntityTooLarge, "message": "请求体过大", "data": nil})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}
