// Package pipeline 定义了上传完成之后的后台处理流程。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/sony/gobreaker"

	"drcv-go/internal/event"
	"drcv-go/pkg/log"
	"drcv-go/pkg/metrics"
	"drcv-go/pkg/tasks"
)

// ObjectUploader 是归档所需的对象存储能力，*minio.Client 满足该接口。
type ObjectUploader interface {
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Processor 把完成的上传复制到对象存储。对象存储不可用时熔断，后续任务直接跳过。
type Processor struct {
	store   ObjectUploader
	bucket  string
	breaker *gobreaker.CircuitBreaker
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(store ObjectUploader, bucket string) *Processor {
	settings := gobreaker.Settings{
		Name:        "archive",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("[Processor] 熔断器 %s 状态变化: %s -> %s", name, from, to)
		},
	}
	return &Processor{
		store:   store,
		bucket:  bucket,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Process 上传一个归档任务，对象名为 <client>/<文件名>。
func (p *Processor) Process(ctx context.Context, task tasks.ArchiveTask) error {
	objectName := path.Join(task.Client, task.FileName)
	log.Infof("[Processor] 开始归档, UploadID: %d, Bucket: %s, Object: %s", task.UploadID, p.bucket, objectName)

	contentType := mime.TypeByExtension(filepath.Ext(task.FileName))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	res, err := p.breaker.Execute(func() (interface{}, error) {
		return p.store.FPutObject(ctx, p.bucket, objectName, task.Path, minio.PutObjectOptions{ContentType: contentType})
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.ArchiveResults.WithLabelValues("skipped").Inc()
		log.Warnf("[Processor] 对象存储不可用，跳过归档, UploadID: %d", task.UploadID)
		return err
	case err != nil:
		metrics.ArchiveResults.WithLabelValues("failed").Inc()
		log.Errorf("[Processor] 归档失败, UploadID: %d, Object: %s, Error: %v", task.UploadID, objectName, err)
		return fmt.Errorf("上传到对象存储失败: %w", err)
	}

	info := res.(minio.UploadInfo)
	metrics.ArchiveResults.WithLabelValues("archived").Inc()
	log.Infof("[Processor] 归档完成, UploadID: %d, Object: %s, Size: %d, ETag: %s", task.UploadID, objectName, info.Size, info.ETag)
	return nil
}

// Run 订阅广播器中的 upload.completed 事件并逐个归档，直到 ctx 结束。
func (p *Processor) Run(ctx context.Context, b *event.Broadcaster) {
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if e.Type != event.UploadCompleted {
				continue
			}
			data, ok := e.Data.(event.UploadData)
			if !ok || data.StoredAs == "" {
				continue
			}
			_ = p.Process(ctx, tasks.ArchiveTask{
				UploadID: data.ID,
				Client:   data.Client,
				FileName: filepath.Base(data.StoredAs),
				Path:     data.StoredAs,
				Size:     data.Size,
			})
		}
	}
}
