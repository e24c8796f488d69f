package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrNotFound 表示请求的记录不存在。
var ErrNotFound = errors.New("record not found")

// StoreError 包装持久化层的失败，Op 为失败的操作名。
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// wrap 把 gorm 错误转换为 StoreError，记录不存在时保留 ErrNotFound 以便调用方判断。
// 会话状态类的业务错误原样返回。
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInactive) || errors.Is(err, ErrTotalMismatch) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = ErrNotFound
	}
	return &StoreError{Op: op, Err: err}
}
