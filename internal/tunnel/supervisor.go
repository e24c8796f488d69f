package tunnel

import (
	"bufio"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"drcv-go/internal/event"
	"drcv-go/pkg/log"
	"drcv-go/pkg/metrics"
)

// State 是隧道当前所处的阶段。
type State string

const (
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateUnavailable State = "unavailable"
	StateFailed      State = "failed"
)

// Status 是隧道对外展示的状态。子进程未运行时 Hostname 为 nil，不返回过期的主机名。
type Status struct {
	Provider string  `json:"provider"`
	Hostname *string `json:"hostname"`
	Healthy  bool    `json:"healthy"`
	State    State   `json:"state"`
	Error    string  `json:"error,omitempty"`
}

// stableRun 是子进程被视为正常运行过的最短时间，超过后重启计数和退避间隔清零。
const stableRun = time.Minute

// Supervisor 在后台建立隧道并守护其子进程，退出后按指数退避重启。
type Supervisor struct {
	provider    Provider
	facts       FactStore
	cfg         Config
	maxRestarts int
	events      event.Publisher

	newBackOff func() backoff.BackOff

	mu       sync.RWMutex
	hostname string
	status   Status
	proc     Process

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor 创建一个隧道守护者。
func NewSupervisor(provider Provider, facts FactStore, cfg Config, maxRestarts int, events event.Publisher) *Supervisor {
	return &Supervisor{
		provider:    provider,
		facts:       facts,
		cfg:         cfg,
		maxRestarts: maxRestarts,
		events:      events,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = time.Minute
			return b
		},
		status: Status{Provider: provider.Name(), State: StateUnavailable},
	}
}

// Start 在后台运行隧道，立即返回。
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.run(ctx)
	}()
}

// Stop 结束子进程并等待后台任务退出。
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.mu.RLock()
	proc := s.proc
	s.mu.RUnlock()
	if proc != nil {
		if err := proc.Kill(); err != nil {
			log.Warnf("[Tunnel] 结束隧道进程失败: %v", err)
		}
	}
	<-s.done
}

// Status 返回隧道当前状态的快照。
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	if st.Hostname != nil {
		h := *st.Hostname
		st.Hostname = &h
	}
	return st
}

func (s *Supervisor) run(ctx context.Context) {
	s.setStatus(StateStarting, nil)
	manager, err := s.provider.Ensure(ctx, s.facts, s.cfg)
	if err != nil {
		var te *Error
		if errors.As(err, &te) && te.Guidance != "" {
			log.Warnf("[Tunnel] %v\n%s", err, te.Guidance)
		} else {
			log.Warnf("[Tunnel] 建立隧道失败，仅提供本地服务: %v", err)
		}
		s.setStatus(StateFailed, err)
		return
	}
	s.mu.Lock()
	s.hostname = manager.Hostname()
	s.mu.Unlock()

	b := s.newBackOff()
	restarts := 0
	for {
		started := time.Now()
		err := s.runOnce(ctx, manager)
		if ctx.Err() != nil {
			s.setStatus(StateUnavailable, nil)
			return
		}

		if time.Since(started) >= stableRun {
			restarts = 0
			b.Reset()
		}
		if restarts >= s.maxRestarts {
			log.Errorf("[Tunnel] 隧道进程已重启 %d 次仍然失败，放弃: %v", restarts, err)
			s.setStatus(StateFailed, err)
			return
		}
		restarts++
		wait := b.NextBackOff()
		log.Warnf("[Tunnel] 隧道进程退出: %v，%s 后第 %d 次重启", err, wait, restarts)
		s.setStatus(StateUnavailable, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		metrics.TunnelRestarts.Inc()
	}
}

// runOnce 启动一次子进程并阻塞到它退出。
func (s *Supervisor) runOnce(ctx context.Context, manager Manager) error {
	proc, err := manager.Start(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()
	// Stop 可能在进程登记之前已经取消了 ctx
	if ctx.Err() != nil {
		_ = proc.Kill()
	}
	s.setStatus(StateRunning, nil)

	// stderr 读到 EOF 之后才能 Wait
	scanner := bufio.NewScanner(proc.Stderr())
	for scanner.Scan() {
		log.Warnf("[cloudflared] %s", scanner.Text())
	}
	err = proc.Wait()

	s.mu.Lock()
	s.proc = nil
	s.mu.Unlock()
	if err == nil {
		err = errors.New("tunnel process exited")
	}
	return err
}

func (s *Supervisor) setStatus(state State, err error) {
	s.mu.Lock()
	st := Status{Provider: s.provider.Name(), State: state}
	if state == StateRunning {
		h := s.hostname
		st.Hostname = &h
		st.Healthy = true
	}
	if err != nil {
		st.Error = err.Error()
	}
	s.status = st
	s.mu.Unlock()

	if state == StateRunning {
		metrics.TunnelUp.Set(1)
	} else {
		metrics.TunnelUp.Set(0)
	}
	if s.events != nil {
		s.events.Publish(event.TunnelStatus, st)
	}
}
