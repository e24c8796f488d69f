package tunnel

import (
	"errors"
	"fmt"
)

// ErrDependencyMissing 表示隧道所需的外部程序不存在或无法运行。
var ErrDependencyMissing = errors.New("tunnel dependency missing")

// Kind 区分隧道错误的类别。
type Kind int

const (
	KindDependency Kind = iota + 1
	KindConfig
	KindAuth
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindDependency:
		return "dependency"
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Error 是隧道建立或运行过程中的错误。Guidance 是给用户看的处理建议，可能为空。
type Error struct {
	Kind     Kind
	Op       string
	Guidance string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tunnel %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 让 KindDependency 类别的错误匹配 ErrDependencyMissing。
func (e *Error) Is(target error) bool {
	return target == ErrDependencyMissing && e.Kind == KindDependency
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
