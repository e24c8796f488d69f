package service

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidChunk 表示分片序号、总数、长度或文件名不合法，客户端不应原样重试。
	ErrInvalidChunk = errors.New("invalid chunk")
	// ErrSizeExceeded 表示文件会超过配置的最大大小。
	ErrSizeExceeded = errors.New("file size limit exceeded")
	// ErrStaleSession 表示心跳引用了不存在或已结束的上传会话。
	ErrStaleSession = errors.New("stale upload session")
)

// IOError 是写入上传文件时的文件系统错误。会话保持原状态，客户端可重新探测后重试。
type IOError struct {
	Op     string
	Path   string
	Offset int64
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s at offset %d: %v", e.Op, e.Path, e.Offset, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func invalidChunk(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidChunk, fmt.Sprintf(format, args...))
}
