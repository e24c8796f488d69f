package service

import (
	"context"
	"time"

	"drcv-go/internal/config"
	"drcv-go/internal/event"
	"drcv-go/internal/model"
	"drcv-go/internal/repository"
	"drcv-go/pkg/log"
	"drcv-go/pkg/metrics"
)

// HandleReleaser 由上传引擎实现，清理任务通过它释放被断开会话占用的文件。
type HandleReleaser interface {
	Release(client, filename string)
	DiscardPartial(ctx context.Context, client, filename string) error
}

// SweepReport 汇总一次清理的结果。
type SweepReport struct {
	ClientsDisconnected int
	UploadsDisconnected int
	Pruned              int
	Failures            int
}

// LivenessService 接口定义了心跳与过期清理的业务操作。
type LivenessService interface {
	Heartbeat(ctx context.Context, client, userAgent string, uploadIDs []uint) error
	TouchClient(ctx context.Context, client, userAgent string) error
	Sweep(ctx context.Context) SweepReport
}

type livenessService struct {
	uploadRepo repository.UploadRepository
	clientRepo repository.ClientRepository
	files      HandleReleaser
	events     event.Publisher
	cfg        config.LivenessConfig
	now        func() time.Time
}

// NewLivenessService 创建一个新的 LivenessService 实例。
func NewLivenessService(uploadRepo repository.UploadRepository, clientRepo repository.ClientRepository, files HandleReleaser, events event.Publisher, cfg config.LivenessConfig) LivenessService {
	return &livenessService{
		uploadRepo: uploadRepo,
		clientRepo: clientRepo,
		files:      files,
		events:     events,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// TouchClient 刷新客户端的 last_seen；客户端首次出现或重新连上时发布 client.connected。
func (s *livenessService) TouchClient(ctx context.Context, client, userAgent string) error {
	now := s.now()
	connected, err := s.clientRepo.Touch(ctx, client, userAgent, now)
	if err != nil {
		return err
	}
	if connected {
		log.Infof("[Liveness] 客户端已连接: %s", client)
		s.publish(event.ClientConnected, event.ClientData{
			Address:   client,
			UserAgent: userAgent,
			Status:    string(model.ClientConnected),
			LastSeen:  now,
		})
	}
	return nil
}

// Heartbeat 刷新客户端以及其列出的仍在进行中的上传会话。未知或已结束的 id 被忽略。
func (s *livenessService) Heartbeat(ctx context.Context, client, userAgent string, uploadIDs []uint) error {
	if err := s.TouchClient(ctx, client, userAgent); err != nil {
		return err
	}
	now := s.now()
	for _, id := range uploadIDs {
		ok, err := s.uploadRepo.Touch(ctx, id, client, now)
		if err != nil {
			return err
		}
		if !ok {
			log.Debugf("[Heartbeat] 忽略会话 %d (client %s): %v", id, client, ErrStaleSession)
		}
	}
	return nil
}

// Sweep 把过期的客户端及其会话、以及单独过期的会话标记为 disconnected，
// 并在配置了保留期时删除过旧的已结束会话。单行失败只记录，不影响其余行。
func (s *livenessService) Sweep(ctx context.Context) SweepReport {
	var report SweepReport
	now := s.now()

	clientCutoff := now.Add(-s.cfg.ClientStaleTimeout)
	clients, err := s.clientRepo.ListStale(ctx, clientCutoff)
	if err != nil {
		log.Error("[Sweep] 查询过期客户端失败", err)
		report.Failures++
	}
	for _, c := range clients {
		ok, err := s.clientRepo.MarkDisconnected(ctx, c.Address, clientCutoff, now)
		if err != nil {
			log.Errorf("[Sweep] 标记客户端 %s 断开失败: %v", c.Address, err)
			report.Failures++
			continue
		}
		if !ok {
			continue
		}
		report.ClientsDisconnected++
		metrics.ClientsDisconnected.Inc()
		log.Infof("[Sweep] 客户端已断开: %s, last_seen: %s", c.Address, c.LastSeen.Format(time.RFC3339))
		s.publish(event.ClientDisconnected, event.ClientData{
			Address:   c.Address,
			UserAgent: c.UserAgent,
			Status:    string(model.ClientDisconnected),
			LastSeen:  c.LastSeen,
		})

		uploads, err := s.uploadRepo.ListActiveByClient(ctx, c.Address)
		if err != nil {
			log.Errorf("[Sweep] 查询客户端 %s 的会话失败: %v", c.Address, err)
			report.Failures++
			continue
		}
		for i := range uploads {
			s.disconnect(ctx, &uploads[i], func() (bool, error) {
				return s.uploadRepo.MarkDisconnected(ctx, uploads[i].ID, now)
			}, &report)
		}
	}

	uploadCutoff := now.Add(-s.cfg.UploadStaleTimeout)
	stale, err := s.uploadRepo.ListStale(ctx, uploadCutoff)
	if err != nil {
		log.Error("[Sweep] 查询过期会话失败", err)
		report.Failures++
	}
	for i := range stale {
		s.disconnect(ctx, &stale[i], func() (bool, error) {
			return s.uploadRepo.DisconnectIfStale(ctx, stale[i].ID, uploadCutoff, now)
		}, &report)
	}

	if s.cfg.Retention > 0 {
		s.prune(ctx, now.Add(-s.cfg.Retention), &report)
	}

	metrics.SweepRuns.Inc()
	metrics.SweepFailures.Add(float64(report.Failures))
	if report != (SweepReport{}) {
		log.Infow("[Sweep] 清理完成",
			"clients_disconnected", report.ClientsDisconnected,
			"uploads_disconnected", report.UploadsDisconnected,
			"pruned", report.Pruned,
			"failures", report.Failures,
		)
	}
	return report
}

func (s *livenessService) disconnect(ctx context.Context, u *model.Upload, mark func() (bool, error), report *SweepReport) {
	ok, err := mark()
	if err != nil {
		log.Errorf("[Sweep] 标记会话 %d 断开失败: %v", u.ID, err)
		report.Failures++
		return
	}
	if !ok {
		return
	}
	report.UploadsDisconnected++
	metrics.UploadsDisconnected.Inc()
	s.files.Release(u.ClientAddr, u.Filename)

	u.Status = model.UploadDisconnected
	log.Infof("[Sweep] 会话已断开, id: %d, client: %s, filename: %s, size: %d", u.ID, u.ClientAddr, u.Filename, u.Size)
	s.publish(event.UploadDisconnected, uploadData(u, ""))
}

func (s *livenessService) prune(ctx context.Context, before time.Time, report *SweepReport) {
	pruned, err := s.uploadRepo.PruneTerminal(ctx, before)
	if err != nil {
		log.Error("[Sweep] 清理过期记录失败", err)
		report.Failures++
		return
	}
	report.Pruned = len(pruned)
	for _, u := range pruned {
		if u.Status != model.UploadDisconnected {
			continue
		}
		if err := s.files.DiscardPartial(ctx, u.ClientAddr, u.Filename); err != nil {
			log.Warnf("[Sweep] 删除未完成文件失败, client: %s, filename: %s, error: %v", u.ClientAddr, u.Filename, err)
			report.Failures++
		}
	}
}

func (s *livenessService) publish(t event.Type, data interface{}) {
	if s.events == nil {
		return
	}
	s.events.Publish(t, data)
}
