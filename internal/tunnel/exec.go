package tunnel

import (
	"bytes"
	"context"
	"io"
	"os/exec"
)

// Process 是一个正在运行的隧道子进程。
type Process interface {
	Pid() int
	Stderr() io.Reader
	Wait() error
	Kill() error
}

// Executor 抽象了外部命令的执行，测试中用假实现替换。
type Executor interface {
	LookPath(name string) (string, error)
	// Run 执行命令直到退出，返回其 stdout 和 stderr。
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
	// Start 启动一个长期运行的命令，stdout 被丢弃，stderr 通过 Process.Stderr 读取。
	Start(name string, args ...string) (Process, error)
}

// OSExecutor 使用 os/exec 执行命令。
type OSExecutor struct{}

func (OSExecutor) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (OSExecutor) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func (OSExecutor) Start(name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &osProcess{cmd: cmd, stderr: stderr}, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	stderr io.ReadCloser
}

func (p *osProcess) Pid() int          { return p.cmd.Process.Pid }
func (p *osProcess) Stderr() io.Reader { return p.stderr }
func (p *osProcess) Wait() error       { return p.cmd.Wait() }
func (p *osProcess) Kill() error       { return p.cmd.Process.Kill() }
