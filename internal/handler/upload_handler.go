// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"drcv-go/internal/middleware"
	"drcv-go/internal/model"
	"drcv-go/internal/repository"
	"drcv-go/internal/service"
	"drcv-go/pkg/log"
)

// 探测响应携带的头部。
const (
	HeaderUploadedBytes = "x-uploaded-bytes"
	HeaderUploadID      = "x-upload-id"
	HeaderUploadStatus  = "x-upload-status"
	HeaderNextChunk     = "x-next-chunk"
	HeaderChunkSize     = "x-chunk-size"
	HeaderError         = "x-error"
)

// UploadHandler 负责处理分片上传和续传探测请求。
type UploadHandler struct {
	uploadService service.UploadService
	chunkSize     int64
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(uploadService service.UploadService, chunkSize int64) *UploadHandler {
	return &UploadHandler{uploadService: uploadService, chunkSize: chunkSize}
}

// ProbeStatus 处理 HEAD /upload?filename=，以响应头返回已接收的字节数。
func (h *UploadHandler) ProbeStatus(c *gin.Context) {
	filename := c.Query("filename")
	client := c.GetString(middleware.ClientKey)

	u, err := h.uploadService.ProbeStatus(c.Request.Context(), filename, client)
	if err != nil {
		status, message := classify(err)
		if status >= http.StatusInternalServerError {
			log.Errorf("ProbeStatus: 探测失败, filename: %s, client: %s, error: %v", filename, client, err)
		}
		// HEAD 响应没有响应体，错误原因放在头部
		c.Header(HeaderError, message)
		c.Status(status)
		return
	}

	c.Header(HeaderUploadedBytes, strconv.FormatInt(u.Size, 10))
	c.Header(HeaderUploadID, strconv.FormatUint(uint64(u.ID), 10))
	c.Header(HeaderUploadStatus, string(u.Status))
	c.Header(HeaderNextChunk, strconv.Itoa(u.NextChunk()))
	c.Header(HeaderChunkSize, strconv.FormatInt(h.chunkSize, 10))
	c.Status(http.StatusOK)
}

// UploadChunk 处理 POST /upload 的 multipart 分片，成功时以纯文本返回上传 ID。
func (h *UploadHandler) UploadChunk(c *gin.Context) {
	// 先显式解析，请求体超限等错误才不会被 PostForm 吞掉
	if err := c.Request.ParseMultipartForm(32 << 20); err != nil {
		h.fail(c, nil, err)
		return
	}
	filename := c.PostForm("filename")
	chunkIndexStr := c.PostForm("chunk_index")
	totalChunksStr := c.PostForm("total_chunks")
	if filename == "" || chunkIndexStr == "" || totalChunksStr == "" {
		h.fail(c, nil, invalidForm("缺少必要的参数"))
		return
	}
	chunkIndex, err := strconv.Atoi(chunkIndexStr)
	if err != nil {
		h.fail(c, nil, invalidForm("无效的分片索引"))
		return
	}
	totalChunks, err := strconv.Atoi(totalChunksStr)
	if err != nil {
		h.fail(c, nil, invalidForm("无效的分片总数"))
		return
	}

	file, _, err := c.Request.FormFile("chunk")
	if err != nil {
		h.fail(c, nil, invalidForm("未能获取上传的分片"))
		return
	}
	defer file.Close()
	payload, err := io.ReadAll(file)
	if err != nil {
		h.fail(c, nil, err)
		return
	}

	u, err := h.uploadService.AcceptChunk(c.Request.Context(), service.ChunkRequest{
		Filename:    filename,
		Client:      c.GetString(middleware.ClientKey),
		ChunkIndex:  chunkIndex,
		TotalChunks: totalChunks,
		Payload:     payload,
	})
	if err != nil {
		h.fail(c, u, err)
		return
	}
	c.String(http.StatusOK, strconv.FormatUint(uint64(u.ID), 10))
}

// fail 返回错误信封。会话已确定时带上已接收的字节数，客户端据此续传。
func (h *UploadHandler) fail(c *gin.Context, u *model.Upload, err error) {
	status, message := classify(err)
	if status >= http.StatusInternalServerError {
		log.Error("UploadChunk: failed to accept chunk", err)
	} else {
		log.Warnf("UploadChunk: 拒绝分片, client: %s, error: %v", c.GetString(middleware.ClientKey), err)
	}

	var data gin.H
	if u != nil {
		data = gin.H{"uploaded_bytes": u.Size}
	}
	c.JSON(status, gin.H{"code": status, "message": message, "data": data})
}

type formError string

func (e formError) Error() string { return string(e) }

func invalidForm(msg string) error {
	return formError(msg)
}

// classify 把服务层错误映射为 HTTP 状态码和返回给客户端的消息。
func classify(err error) (int, string) {
	var (
		formErr  formError
		maxErr   *http.MaxBytesError
		ioErr    *service.IOError
		storeErr *repository.StoreError
	)
	switch {
	case errors.As(err, &formErr):
		return http.StatusBadRequest, string(formErr)
	case errors.As(err, &maxErr), errors.Is(err, service.ErrSizeExceeded):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, service.ErrInvalidChunk):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &ioErr):
		return http.StatusInternalServerError, "写入文件失败，请重新探测后重试"
	case errors.As(err, &storeErr), errors.Is(err, repository.ErrInactive):
		return http.StatusServiceUnavailable, "存储暂时不可用，请稍后重试"
	default:
		return http.StatusBadRequest, "无效的请求: " + err.Error()
	}
}
