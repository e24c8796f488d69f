package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drcv-go/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestLoopbackOnly(t *testing.T) {
	r := gin.New()
	r.Use(LoopbackOnly())
	r.GET("/data", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	tests := []struct {
		remote string
		header string
		want   int
	}{
		{remote: "127.0.0.1:50000", want: http.StatusOK},
		{remote: "[::1]:50000", want: http.StatusOK},
		{remote: "192.168.1.20:50000", want: http.StatusForbidden},
		{remote: "192.168.1.20:50000", header: "127.0.0.1", want: http.StatusForbidden},
		{remote: "garbage", want: http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/data", nil)
		req.RemoteAddr = tt.remote
		if tt.header != "" {
			req.Header.Set("X-Forwarded-For", tt.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, tt.want, w.Code, tt.remote)
	}
}

func TestBodyLimit(t *testing.T) {
	r := gin.New()
	r.Use(BodyLimit(8))
	r.POST("/upload", func(c *gin.Context) {
		buf := make([]byte, 64)
		n, err := c.Request.Body.Read(buf)
		for err == nil {
			var m int
			m, err = c.Request.Body.Read(buf[n:])
			n += m
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.String(http.StatusOK, "%d", n)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("12345678")))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "8", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	// 未声明长度的请求体在读取时被截断
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("123456789"))
	req.ContentLength = -1
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

type recordingLiveness struct {
	service.LivenessService
	touched []string
	err     error
}

func (l *recordingLiveness) TouchClient(_ context.Context, client, userAgent string) error {
	l.touched = append(l.touched, client+" "+userAgent)
	return l.err
}

func TestClientTracker(t *testing.T) {
	liveness := &recordingLiveness{err: errors.New("database is locked")}
	r := gin.New()
	r.Use(RequestLogger("upload"), ClientTracker(liveness))
	r.GET("/who", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(ClientKey)) })

	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	req.RemoteAddr = "10.1.2.3:4444"
	req.Header.Set("User-Agent", "drcv-test")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10.1.2.3", w.Body.String())
	assert.Equal(t, []string{"10.1.2.3 drcv-test"}, liveness.touched)
}

func TestClientTracker_TunnelHeader(t *testing.T) {
	tests := []struct {
		name   string
		tunnel bool
		remote string
		want   string
	}{
		{"本机 cloudflared 转发", true, "127.0.0.1:4444", "203.0.113.7"},
		{"本机 IPv6 转发", true, "[::1]:4444", "203.0.113.7"},
		{"局域网对端伪造请求头", true, "192.168.1.66:5555", "192.168.1.66"},
		{"未启用隧道时忽略请求头", false, "127.0.0.1:4444", "127.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			liveness := &recordingLiveness{}
			r := gin.New()
			require.NoError(t, TrustTunnel(r, tt.tunnel))
			r.Use(ClientTracker(liveness))
			r.GET("/who", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(ClientKey)) })

			req := httptest.NewRequest(http.MethodGet, "/who", nil)
			req.RemoteAddr = tt.remote
			req.Header.Set("CF-Connecting-IP", "203.0.113.7")
			req.Header.Set("X-Forwarded-For", "198.51.100.9")
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Body.String())
			require.Len(t, liveness.touched, 1)
			assert.True(t, strings.HasPrefix(liveness.touched[0], tt.want+" "))
		})
	}
}
