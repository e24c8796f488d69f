package tunnel

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"drcv-go/pkg/log"
)

const (
	idLength   = 6
	idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

type cloudflareProvider struct {
	exec Executor
}

func (p *cloudflareProvider) Name() string { return "cloudflare" }

// Ensure 检查 cloudflared，复用或生成主机名，创建隧道并配置 DNS 路由，最后写出 ingress 配置。
// 新生成的主机名在注册完成后、返回成功之前写入 FactStore。
func (p *cloudflareProvider) Ensure(ctx context.Context, facts FactStore, cfg Config) (Manager, error) {
	binary := cfg.Binary
	if binary == "" {
		binary = "cloudflared"
	}
	if err := p.checkBinary(ctx, binary); err != nil {
		return nil, err
	}

	key := factKey(p.Name())
	stored, found, err := facts.Get(ctx, key)
	if err != nil {
		return nil, newError(KindConfig, "load hostname", err)
	}
	id, ok := parseHostname(stored, cfg.Domain)
	if found && !ok {
		log.Warnf("[Tunnel] 已保存的主机名 %q 与域名 %s 不匹配，重新生成", stored, cfg.Domain)
	}
	if !ok {
		if id, err = randomID(); err != nil {
			return nil, newError(KindConfig, "generate id", err)
		}
	}
	hostname := id + "." + cfg.Domain
	name := "drcv-" + id

	uuid, err := p.tunnelUUID(ctx, binary, name)
	if err != nil {
		return nil, err
	}
	if uuid == "" {
		log.Infof("[Tunnel] 创建 Cloudflare 隧道: %s", name)
		if _, err := p.run(ctx, "tunnel create", binary, "tunnel", "create", name); err != nil {
			return nil, err
		}
		if uuid, err = p.tunnelUUID(ctx, binary, name); err != nil {
			return nil, err
		}
		if uuid == "" {
			return nil, newError(KindConfig, "tunnel create", fmt.Errorf("tunnel %s not listed after creation", name))
		}
	}

	if _, err := p.run(ctx, "route dns", binary, "tunnel", "route", "dns", name, hostname); err != nil {
		var te *Error
		if !errors.As(err, &te) || te.Kind == KindAuth || !strings.Contains(strings.ToLower(te.Err.Error()), "already exists") {
			return nil, err
		}
	}

	configPath, err := writeIngressConfig(cfg.ConfigDir, uuid, hostname, cfg.LocalPort)
	if err != nil {
		return nil, newError(KindConfig, "write config", err)
	}

	if stored != hostname {
		if err := facts.Set(ctx, key, hostname); err != nil {
			return nil, newError(KindConfig, "save hostname", err)
		}
	}
	log.Infof("[Tunnel] 隧道已就绪: https://%s (tunnel %s)", hostname, uuid)
	return &cloudflareManager{exec: p.exec, binary: binary, hostname: hostname, configPath: configPath}, nil
}

func (p *cloudflareProvider) checkBinary(ctx context.Context, binary string) error {
	if _, err := p.exec.LookPath(binary); err != nil {
		return &Error{Kind: KindDependency, Op: "lookup", Guidance: installGuidance(runtime.GOOS), Err: fmt.Errorf("%s not found in PATH", binary)}
	}
	if _, _, err := p.exec.Run(ctx, binary, "--version"); err != nil {
		return &Error{Kind: KindDependency, Op: "version", Guidance: installGuidance(runtime.GOOS), Err: fmt.Errorf("%s --version failed: %w", binary, err)}
	}
	return nil
}

// run 执行一条 cloudflared 子命令，失败时根据 stderr 区分认证错误。
func (p *cloudflareProvider) run(ctx context.Context, op, binary string, args ...string) ([]byte, error) {
	stdout, stderr, err := p.exec.Run(ctx, binary, args...)
	if err == nil {
		return stdout, nil
	}
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		msg = err.Error()
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "not authenticated") || strings.Contains(lower, "login") {
		return nil, &Error{Kind: KindAuth, Op: op, Guidance: "运行 cloudflared tunnel login 完成浏览器授权后重新启动 drcv", Err: errors.New(msg)}
	}
	return nil, newError(KindConfig, op, errors.New(msg))
}

func (p *cloudflareProvider) tunnelUUID(ctx context.Context, binary, name string) (string, error) {
	out, err := p.run(ctx, "tunnel list", binary, "tunnel", "list")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(out), "\n") {
		for _, field := range strings.Fields(line) {
			if field != name {
				continue
			}
			if id := uuidPattern.FindString(line); id != "" {
				return id, nil
			}
		}
	}
	return "", nil
}

// parseHostname 校验已保存的主机名是否为 <6 位 [a-z0-9]>.<domain>，返回其中的 id。
func parseHostname(hostname, domain string) (string, bool) {
	id, rest, ok := strings.Cut(hostname, ".")
	if !ok || rest != domain || len(id) != idLength {
		return "", false
	}
	for _, r := range id {
		if !strings.ContainsRune(idAlphabet, r) {
			return "", false
		}
	}
	return id, true
}

func randomID() (string, error) {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf), nil
}

type ingressRule struct {
	Hostname string `yaml:"hostname,omitempty"`
	Service  string `yaml:"service"`
}

type cloudflaredConfig struct {
	Tunnel          string        `yaml:"tunnel"`
	CredentialsFile string        `yaml:"credentials-file"`
	Ingress         []ingressRule `yaml:"ingress"`
}

func writeIngressConfig(dir, uuid, hostname string, port int) (string, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".cloudflared")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cloudflaredConfig{
		Tunnel:          uuid,
		CredentialsFile: filepath.Join(dir, uuid+".json"),
		Ingress: []ingressRule{
			{Hostname: hostname, Service: fmt.Sprintf("http://localhost:%d", port)},
			{Service: "http_status:404"},
		},
	})
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "config-"+hostname+".yml")
	return path, os.WriteFile(path, data, 0o600)
}

type cloudflareManager struct {
	exec       Executor
	binary     string
	hostname   string
	configPath string
}

func (m *cloudflareManager) Hostname() string { return m.hostname }

func (m *cloudflareManager) Start(ctx context.Context) (Process, error) {
	proc, err := m.exec.Start(m.binary,
		"--loglevel", "error", "--transport-loglevel", "error",
		"tunnel", "--config", m.configPath, "run")
	if err != nil {
		return nil, newError(KindNetwork, "start", err)
	}
	log.Infof("[Tunnel] cloudflared 已启动, pid: %d, hostname: %s", proc.Pid(), m.hostname)
	return proc, nil
}

func installGuidance(goos string) string {
	var b strings.Builder
	b.WriteString("请安装 cloudflared 并完成一次授权:\n")
	switch goos {
	case "darwin":
		b.WriteString("  brew install cloudflared\n")
	case "linux":
		b.WriteString("  # Debian/Ubuntu\n")
		b.WriteString("  curl -L --output cloudflared.deb https://github.com/cloudflare/cloudflared/releases/latest/download/cloudflared-linux-amd64.deb\n")
		b.WriteString("  sudo dpkg -i cloudflared.deb\n")
		b.WriteString("  # 其他发行版\n")
		b.WriteString("  curl -L --output /usr/local/bin/cloudflared https://github.com/cloudflare/cloudflared/releases/latest/download/cloudflared-linux-amd64\n")
		b.WriteString("  chmod +x /usr/local/bin/cloudflared\n")
	case "windows":
		b.WriteString("  choco install cloudflared\n")
		b.WriteString("  或从 https://github.com/cloudflare/cloudflared/releases/latest 下载\n")
	default:
		b.WriteString("  https://github.com/cloudflare/cloudflared/releases/latest\n")
	}
	b.WriteString("授权: cloudflared tunnel login\n")
	b.WriteString("文档: https://developers.cloudflare.com/cloudflare-one/connections/connect-networks/install-and-setup/installation")
	return b.String()
}
