package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"drcv-go/internal/config"
	"drcv-go/internal/event"
	"drcv-go/internal/model"
	"drcv-go/internal/repository"
	"drcv-go/pkg/fsutil"
	"drcv-go/pkg/log"
	"drcv-go/pkg/metrics"
)

// ChunkRequest 是一次分片上传请求的内容。
type ChunkRequest struct {
	Filename    string
	Client      string
	ChunkIndex  int
	TotalChunks int
	Payload     []byte
}

// UploadService 接口定义了可续传分片上传的业务操作。
type UploadService interface {
	ProbeStatus(ctx context.Context, filename, client string) (*model.Upload, error)
	// AcceptChunk 在会话已确定之后失败时，仍会返回会话当前的状态，便于调用方告知客户端续传位置。
	AcceptChunk(ctx context.Context, req ChunkRequest) (*model.Upload, error)
	Release(client, filename string)
	DiscardPartial(ctx context.Context, client, filename string) error
	Close() error
}

type uploadService struct {
	uploadRepo repository.UploadRepository
	events     event.Publisher
	cfg        config.UploadConfig
	now        func() time.Time

	locks     *keyedMutex
	handlesMu sync.Mutex
	handles   map[string]*os.File // 会话键 -> 打开的 .part 文件
}

// NewUploadService 创建一个新的 UploadService 实例，并确保上传目录存在。
func NewUploadService(uploadRepo repository.UploadRepository, events event.Publisher, cfg config.UploadConfig) (UploadService, error) {
	if err := os.MkdirAll(filepath.Join(cfg.Dir, ".partial"), 0o755); err != nil {
		return nil, fmt.Errorf("创建上传目录失败: %w", err)
	}
	return &uploadService{
		uploadRepo: uploadRepo,
		events:     events,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		locks:      newKeyedMutex(),
		handles:    make(map[string]*os.File),
	}, nil
}

// ProbeStatus 返回 (filename, client) 会话已接收的字节数，首次探测时创建 init 会话。
func (s *uploadService) ProbeStatus(ctx context.Context, filename, client string) (*model.Upload, error) {
	name, err := fsutil.SanitizeFilename(filename)
	if err != nil {
		return nil, invalidChunk("%v", err)
	}

	unlock := s.locks.Lock(model.SessionKey(client, name))
	defer unlock()

	u, err := s.session(ctx, name, client)
	if err != nil {
		log.Errorf("[ProbeStatus] 获取会话失败, filename: %s, client: %s, error: %v", name, client, err)
		return nil, err
	}
	log.Debugf("[ProbeStatus] filename: %s, client: %s, id: %d, size: %d, status: %s", name, client, u.ID, u.Size, u.Status)
	return u, nil
}

// AcceptChunk 把分片写入其绝对偏移处，登记进度，并在所有分片到齐时完成上传。
func (s *uploadService) AcceptChunk(ctx context.Context, req ChunkRequest) (*model.Upload, error) {
	name, err := fsutil.SanitizeFilename(req.Filename)
	if err != nil {
		metrics.ChunksAccepted.WithLabelValues("invalid").Inc()
		return nil, invalidChunk("%v", err)
	}
	offset, err := s.validate(req)
	if err != nil {
		if errors.Is(err, ErrSizeExceeded) {
			metrics.ChunksAccepted.WithLabelValues("too_large").Inc()
		} else {
			metrics.ChunksAccepted.WithLabelValues("invalid").Inc()
		}
		return nil, err
	}

	key := model.SessionKey(req.Client, name)
	unlock := s.locks.Lock(key)
	defer unlock()

	partPath := fsutil.PartialPath(s.cfg.Dir, req.Client, name)
	length := int64(len(req.Payload))

	var (
		u       *model.Upload
		updated *model.Upload
		fresh   bool
	)
	// 会话可能在两次数据库操作之间被清理任务断开，此时换到新会话再登记一次。
	for attempt := 0; attempt < 2; attempt++ {
		u, err = s.session(ctx, name, req.Client)
		if err != nil {
			return nil, err
		}
		if u.TotalChunks != 0 && u.TotalChunks != req.TotalChunks {
			metrics.ChunksAccepted.WithLabelValues("invalid").Inc()
			return u, invalidChunk("total_chunks %d differs from %d recorded for this upload", req.TotalChunks, u.TotalChunks)
		}

		if attempt == 0 {
			if err := s.write(key, partPath, req.Payload, offset); err != nil {
				metrics.ChunksAccepted.WithLabelValues("io_error").Inc()
				log.Errorf("[AcceptChunk] 写入分片失败, id: %d, chunk: %d, error: %v", u.ID, req.ChunkIndex, err)
				return u, err
			}
		}

		updated, fresh, err = s.uploadRepo.RecordChunk(ctx, u.ID, req.ChunkIndex, req.TotalChunks, length, s.now())
		if errors.Is(err, repository.ErrInactive) {
			log.Warnf("[AcceptChunk] 会话 %d 已结束，改用新会话登记分片 %d", u.ID, req.ChunkIndex)
			continue
		}
		break
	}
	switch {
	case errors.Is(err, repository.ErrTotalMismatch):
		metrics.ChunksAccepted.WithLabelValues("invalid").Inc()
		return u, invalidChunk("total_chunks %d differs from the recorded session", req.TotalChunks)
	case err != nil:
		metrics.ChunksAccepted.WithLabelValues("store_error").Inc()
		log.Errorf("[AcceptChunk] 登记分片失败, id: %d, chunk: %d, error: %v", u.ID, req.ChunkIndex, err)
		return u, err
	}

	if fresh {
		metrics.ChunksAccepted.WithLabelValues("accepted").Inc()
		metrics.BytesReceived.Add(float64(length))
	} else {
		metrics.ChunksAccepted.WithLabelValues("duplicate").Inc()
	}
	log.Infof("[AcceptChunk] 分片已写入, id: %d, filename: %s, chunk: %d/%d, size: %d", updated.ID, name, req.ChunkIndex+1, req.TotalChunks, updated.Size)
	s.publish(event.UploadProgress, updated, "")

	if !updated.AllReceived() {
		return updated, nil
	}
	return s.complete(ctx, key, partPath, updated)
}

// validate 校验分片参数并返回写入偏移。除最后一个分片外，每个分片必须恰好为配置的分片大小。
func (s *uploadService) validate(req ChunkRequest) (int64, error) {
	if req.TotalChunks < 1 {
		return 0, invalidChunk("total_chunks must be at least 1, got %d", req.TotalChunks)
	}
	if req.ChunkIndex < 0 || req.ChunkIndex >= req.TotalChunks {
		return 0, invalidChunk("chunk_index %d out of range [0, %d)", req.ChunkIndex, req.TotalChunks)
	}

	chunkSize := s.cfg.ChunkSize
	length := int64(len(req.Payload))
	last := req.ChunkIndex == req.TotalChunks-1
	switch {
	case !last && length != chunkSize:
		return 0, invalidChunk("chunk %d is %d bytes, expected %d", req.ChunkIndex, length, chunkSize)
	case last && length > chunkSize:
		return 0, invalidChunk("final chunk is %d bytes, larger than chunk size %d", length, chunkSize)
	case last && length == 0 && req.TotalChunks > 1:
		return 0, invalidChunk("final chunk is empty")
	}

	// 最小可能的文件大小已超过上限时，这个上传的任何分片都不再接受。
	if int64(req.TotalChunks-1) >= (s.cfg.MaxFileSize+chunkSize-1)/chunkSize && req.TotalChunks > 1 {
		return 0, fmt.Errorf("%w: %d chunks of %d bytes exceed %d", ErrSizeExceeded, req.TotalChunks, chunkSize, s.cfg.MaxFileSize)
	}
	offset := int64(req.ChunkIndex) * chunkSize
	if offset+length > s.cfg.MaxFileSize {
		return 0, fmt.Errorf("%w: chunk ends at %d, limit is %d", ErrSizeExceeded, offset+length, s.cfg.MaxFileSize)
	}
	return offset, nil
}

// session 取得活跃会话。新会话继承了进度但 .part 文件已不存在时，进度清零。
// 调用方必须持有该会话键的锁。
func (s *uploadService) session(ctx context.Context, name, client string) (*model.Upload, error) {
	u, created, err := s.uploadRepo.FindOrCreateActive(ctx, name, client, s.now())
	if err != nil {
		return nil, err
	}
	if !created {
		return u, nil
	}

	if u.Size > 0 || u.TotalChunks > 0 {
		partPath := fsutil.PartialPath(s.cfg.Dir, client, name)
		if _, statErr := os.Stat(partPath); statErr != nil {
			log.Warnf("[Session] 会话 %d 的未完成文件不存在，从头开始: %s", u.ID, partPath)
			if err := s.uploadRepo.ResetProgress(ctx, u.ID, s.now()); err != nil {
				return nil, err
			}
			u.Size, u.TotalChunks, u.Received = 0, 0, nil
		} else {
			log.Infof("[Session] 会话 %d 从断线会话继承进度, size: %d", u.ID, u.Size)
		}
	}
	s.publish(event.UploadCreated, u, "")
	return u, nil
}

// write 把 payload 写到 .part 文件的 offset 处。文件句柄在会话期间只打开一次。
func (s *uploadService) write(key, partPath string, payload []byte, offset int64) error {
	s.handlesMu.Lock()
	f, ok := s.handles[key]
	s.handlesMu.Unlock()

	if !ok {
		var err error
		f, err = os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return &IOError{Op: "open", Path: partPath, Offset: offset, Err: err}
		}
		s.handlesMu.Lock()
		s.handles[key] = f
		s.handlesMu.Unlock()
	}

	if _, err := f.WriteAt(payload, offset); err != nil {
		s.closeHandle(key)
		return &IOError{Op: "write", Path: partPath, Offset: offset, Err: err}
	}
	return nil
}

// complete 把 .part 文件移动到上传目录下一个不冲突的文件名，并把会话标记为 complete。
func (s *uploadService) complete(ctx context.Context, key, partPath string, u *model.Upload) (*model.Upload, error) {
	s.handlesMu.Lock()
	f, ok := s.handles[key]
	delete(s.handles, key)
	s.handlesMu.Unlock()

	if !ok {
		var err error
		if f, err = os.OpenFile(partPath, os.O_WRONLY, 0o644); err != nil {
			return u, &IOError{Op: "open", Path: partPath, Err: err}
		}
	}
	// 重发的最后一个分片可能比首次到达时更长，以登记的大小为准。
	err := f.Truncate(u.Size)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return u, &IOError{Op: "finalize", Path: partPath, Offset: u.Size, Err: err}
	}

	dest, err := fsutil.ReserveUnique(s.cfg.Dir, u.Filename)
	if err != nil {
		return u, &IOError{Op: "reserve", Path: filepath.Join(s.cfg.Dir, u.Filename), Offset: u.Size, Err: err}
	}
	if err := os.Rename(partPath, dest); err != nil {
		_ = os.Remove(dest)
		return u, &IOError{Op: "rename", Path: dest, Offset: u.Size, Err: err}
	}

	now := s.now()
	ok, err = s.uploadRepo.MarkComplete(ctx, u.ID, now)
	if err != nil || !ok {
		// 状态没有落库，把文件放回原处，等待客户端重试
		if rbErr := os.Rename(dest, partPath); rbErr != nil {
			log.Errorf("[Complete] 回滚文件失败, %s -> %s: %v", dest, partPath, rbErr)
		}
		if err == nil {
			err = repository.ErrInactive
		}
		log.Errorf("[Complete] 标记会话 %d 完成失败: %v", u.ID, err)
		return u, err
	}

	u.Status = model.UploadComplete
	u.ActiveKey = nil
	u.CompletedAt = &now
	u.UpdatedAt = now
	metrics.UploadsCompleted.Inc()
	log.Infof("[Complete] 上传完成, id: %d, client: %s, file: %s, size: %d", u.ID, u.ClientAddr, dest, u.Size)
	s.publish(event.UploadCompleted, u, dest)
	return u, nil
}

// Release 关闭 (client, filename) 会话缓存的文件句柄，供清理任务在断开会话时调用。
func (s *uploadService) Release(client, filename string) {
	key := model.SessionKey(client, filename)
	unlock := s.locks.Lock(key)
	defer unlock()
	s.closeHandle(key)
}

// DiscardPartial 删除 (client, filename) 的 .part 文件，除非仍有会话可能用到它：
// 一个活跃会话，或一个可被继承进度的断线会话。
func (s *uploadService) DiscardPartial(ctx context.Context, client, filename string) error {
	key := model.SessionKey(client, filename)
	unlock := s.locks.Lock(key)
	defer unlock()

	last, err := s.uploadRepo.Latest(ctx, filename, client)
	switch {
	case err == nil && last.Status != model.UploadComplete:
		return nil
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return err
	}
	s.closeHandle(key)
	partPath := fsutil.PartialPath(s.cfg.Dir, client, filename)
	if err := os.Remove(partPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &IOError{Op: "remove", Path: partPath, Err: err}
	}
	return nil
}

func (s *uploadService) closeHandle(key string) {
	s.handlesMu.Lock()
	f, ok := s.handles[key]
	delete(s.handles, key)
	s.handlesMu.Unlock()
	if ok {
		_ = f.Close()
	}
}

// Close 关闭全部缓存的文件句柄。
func (s *uploadService) Close() error {
	s.handlesMu.Lock()
	defer s.handlesMu.Unlock()
	var errs []error
	for key, f := range s.handles {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.handles, key)
	}
	return errors.Join(errs...)
}

func (s *uploadService) publish(t event.Type, u *model.Upload, storedAs string) {
	if s.events == nil {
		return
	}
	s.events.Publish(t, uploadData(u, storedAs))
}

func uploadData(u *model.Upload, storedAs string) event.UploadData {
	return event.UploadData{
		ID:          u.ID,
		Filename:    u.Filename,
		Client:      u.ClientAddr,
		Size:        u.Size,
		TotalChunks: u.TotalChunks,
		Received:    u.ReceivedCount(),
		Status:      string(u.Status),
		StoredAs:    storedAs,
	}
}
