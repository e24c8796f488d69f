// Package scheduler 提供定时任务调度功能，使用 gocron/v2 库.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"drcv-go/pkg/log"
)

// Scheduler 包装 gocron 调度器，按名称管理固定间隔的任务.
type Scheduler struct {
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewScheduler 创建一个新的 Scheduler 实例.
func NewScheduler() (*Scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: s,
		jobs:      make(map[string]gocron.Job),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// AddInterval 添加一个每隔 interval 运行一次的任务.
// 上一次运行尚未结束时跳过本次，同一任务不会并发执行.
func (s *Scheduler) AddInterval(name string, interval time.Duration, job func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job with name %s already exists", name)
	}

	wrapped := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("[Scheduler] 任务 %s panic: %v", name, r)
			}
		}()
		job(s.ctx)
	}

	j, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(wrapped),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	s.jobs[name] = j
	log.Infof("[Scheduler] 已添加任务 %s, 间隔: %s", name, interval)
	return nil
}

// Start 启动调度器.
func (s *Scheduler) Start() {
	log.Info("[Scheduler] 启动调度器")
	s.scheduler.Start()
}

// Shutdown 停止调度器并等待正在运行的任务结束.
func (s *Scheduler) Shutdown() error {
	s.cancel()
	return s.scheduler.Shutdown()
}
