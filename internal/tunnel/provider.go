// Package tunnel 负责建立公网隧道：确保公网主机名存在、把它路由到本地上传端口，
// 并守护隧道子进程。
package tunnel

import (
	"context"
	"fmt"
	"strings"
)

// FactStore 是隧道用来持久化主机名的键值存储，键以 "tunnel:" 开头。
type FactStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Config 是建立隧道所需的参数。
type Config struct {
	// Domain 是公网主机名的根域名，例如 drcv.app。
	Domain    string
	LocalPort int
	Binary    string
	// ConfigDir 为空时使用 ~/.cloudflared。
	ConfigDir string
}

// Provider 为某一种隧道后端确保公网主机名存在，并返回可以启动隧道进程的 Manager。
type Provider interface {
	Name() string
	Ensure(ctx context.Context, facts FactStore, cfg Config) (Manager, error)
}

// Manager 持有已就绪的隧道，可以多次启动其子进程。
type Manager interface {
	Hostname() string
	Start(ctx context.Context) (Process, error)
}

// NewProvider 按名称创建隧道 Provider。
func NewProvider(name string, exec Executor) (Provider, error) {
	if exec == nil {
		exec = OSExecutor{}
	}
	switch strings.ToLower(name) {
	case "cloudflare":
		return &cloudflareProvider{exec: exec}, nil
	default:
		return nil, newError(KindConfig, "select provider", fmt.Errorf("unknown tunnel provider %q", name))
	}
}

func factKey(provider string) string {
	return "tunnel:hostname:" + provider
}
