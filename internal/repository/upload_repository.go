// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"drcv-go/internal/model"
)

var (
	// ErrInactive 表示目标上传会话已处于终态，不能再接收分片。
	ErrInactive = errors.New("upload session is no longer active")
	// ErrTotalMismatch 表示分片声明的总数与会话已记录的总数不一致。
	ErrTotalMismatch = errors.New("total_chunks differs from the recorded session")
)

// UploadQuery 描述上传历史的分页查询条件。Page 从 1 开始。
type UploadQuery struct {
	Page     int
	PageSize int
	Search   string
}

// UploadRepository 接口定义了上传会话的数据持久化操作。
// 每个修改都只涉及一行，并以当前状态为条件。
type UploadRepository interface {
	FindOrCreateActive(ctx context.Context, filename, client string, now time.Time) (*model.Upload, bool, error)
	Latest(ctx context.Context, filename, client string) (*model.Upload, error)
	Get(ctx context.Context, id uint) (*model.Upload, error)
	RecordChunk(ctx context.Context, id uint, index, total int, length int64, now time.Time) (*model.Upload, bool, error)
	ResetProgress(ctx context.Context, id uint, now time.Time) error
	MarkComplete(ctx context.Context, id uint, now time.Time) (bool, error)
	MarkDisconnected(ctx context.Context, id uint, now time.Time) (bool, error)
	DisconnectIfStale(ctx context.Context, id uint, cutoff, now time.Time) (bool, error)
	Touch(ctx context.Context, id uint, client string, now time.Time) (bool, error)
	ListStale(ctx context.Context, cutoff time.Time) ([]model.Upload, error)
	ListActiveByClient(ctx context.Context, client string) ([]model.Upload, error)
	Page(ctx context.Context, q UploadQuery) ([]model.Upload, int64, error)
	PruneTerminal(ctx context.Context, before time.Time) ([]model.Upload, error)
}

// uploadRepository 是 UploadRepository 接口的 GORM 实现。
type uploadRepository struct {
	db *gorm.DB
}

// NewUploadRepository 创建一个新的 UploadRepository 实例。
func NewUploadRepository(db *gorm.DB) UploadRepository {
	return &uploadRepository{db: db}
}

// FindOrCreateActive 返回 (filename, client) 的活跃会话，不存在时创建 init 状态的新会话。
// 若该键最近一次会话因断线结束，新会话继承其进度，因为磁盘上的 .part 文件按同一个键存放。
func (r *uploadRepository) FindOrCreateActive(ctx context.Context, filename, client string, now time.Time) (*model.Upload, bool, error) {
	db := r.db.WithContext(ctx)
	key := model.SessionKey(client, filename)

	existing, err := r.findByActiveKey(db, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, wrap("find active upload", err)
	}

	row := &model.Upload{
		Filename:   filename,
		ClientAddr: client,
		Status:     model.UploadInit,
		ActiveKey:  &key,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	last, err := r.latest(db, filename, client)
	switch {
	case err == nil && last.Status == model.UploadDisconnected:
		row.Size = last.Size
		row.TotalChunks = last.TotalChunks
		row.Received = last.Received
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false, wrap("find previous upload", err)
	}

	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return nil, false, wrap("create upload", res.Error)
	}
	if res.RowsAffected == 1 {
		return row, true, nil
	}

	// 并发请求抢先创建了会话
	existing, err = r.findByActiveKey(db, key)
	if err != nil {
		return nil, false, wrap("find active upload", err)
	}
	return existing, false, nil
}

func (r *uploadRepository) latest(db *gorm.DB, filename, client string) (*model.Upload, error) {
	var u model.Upload
	if err := db.Where("client_addr = ? AND filename = ?", client, filename).Order("id desc").Take(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// Latest 返回 (filename, client) 最近的一次会话，无论其状态。
func (r *uploadRepository) Latest(ctx context.Context, filename, client string) (*model.Upload, error) {
	u, err := r.latest(r.db.WithContext(ctx), filename, client)
	if err != nil {
		return nil, wrap("find latest upload", err)
	}
	return u, nil
}

func (r *uploadRepository) findByActiveKey(db *gorm.DB, key string) (*model.Upload, error) {
	var u model.Upload
	if err := db.Where("active_key = ?", key).Take(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// Get 根据 id 读取一个上传会话。
func (r *uploadRepository) Get(ctx context.Context, id uint) (*model.Upload, error) {
	var u model.Upload
	if err := r.db.WithContext(ctx).Take(&u, id).Error; err != nil {
		return nil, wrap("get upload", err)
	}
	return &u, nil
}

// RecordChunk 在一个只涉及单行的短事务中登记分片：设置位图、累加 size、init 迁移到 uploading。
// 返回更新后的行以及该分片是否为首次到达。
func (r *uploadRepository) RecordChunk(ctx context.Context, id uint, index, total int, length int64, now time.Time) (*model.Upload, bool, error) {
	var (
		out   model.Upload
		fresh bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() != "sqlite" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.Take(&out, id).Error; err != nil {
			return err
		}
		if out.Status.Terminal() {
			return ErrInactive
		}
		if out.TotalChunks == 0 {
			out.TotalChunks = total
		} else if out.TotalChunks != total {
			return ErrTotalMismatch
		}

		fresh = out.SetChunk(index)
		if fresh {
			out.Size += length
		}
		res := tx.Model(&model.Upload{}).
			Where("id = ? AND status IN ?", id, model.ActiveUploadStatuses).
			Updates(map[string]interface{}{
				"received":     out.Received,
				"size":         out.Size,
				"total_chunks": out.TotalChunks,
				"status":       model.UploadUploading,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInactive
		}
		out.Status = model.UploadUploading
		out.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, false, wrap("record chunk", err)
	}
	return &out, fresh, nil
}

// ResetProgress 清空活跃会话继承的进度，用于 .part 文件已丢失的情况。
func (r *uploadRepository) ResetProgress(ctx context.Context, id uint, now time.Time) error {
	err := r.db.WithContext(ctx).Model(&model.Upload{}).
		Where("id = ? AND status IN ?", id, model.ActiveUploadStatuses).
		Updates(map[string]interface{}{
			"received":     []byte{},
			"size":         0,
			"total_chunks": 0,
			"updated_at":   now,
		}).Error
	return wrap("reset upload progress", err)
}

// MarkComplete 把 uploading 状态的会话迁移到 complete，并释放活跃键。
func (r *uploadRepository) MarkComplete(ctx context.Context, id uint, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Upload{}).
		Where("id = ? AND status = ?", id, model.UploadUploading).
		Updates(map[string]interface{}{
			"status":       model.UploadComplete,
			"active_key":   nil,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, wrap("mark upload complete", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkDisconnected 把非终态的会话迁移到 disconnected。已是终态时返回 false。
func (r *uploadRepository) MarkDisconnected(ctx context.Context, id uint, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Upload{}).
		Where("id = ? AND status IN ?", id, model.ActiveUploadStatuses).
		Updates(map[string]interface{}{
			"status":     model.UploadDisconnected,
			"active_key": nil,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, wrap("mark upload disconnected", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// DisconnectIfStale 仅当会话仍为非终态且 updated_at 仍早于 cutoff 时迁移到 disconnected。
func (r *uploadRepository) DisconnectIfStale(ctx context.Context, id uint, cutoff, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Upload{}).
		Where("id = ? AND status IN ? AND updated_at < ?", id, model.ActiveUploadStatuses, cutoff).
		Updates(map[string]interface{}{
			"status":     model.UploadDisconnected,
			"active_key": nil,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, wrap("disconnect stale upload", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Touch 刷新属于 client 的非终态会话的 updated_at。未知、已结束或属于其他客户端的 id 返回 false。
func (r *uploadRepository) Touch(ctx context.Context, id uint, client string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Upload{}).
		Where("id = ? AND client_addr = ? AND status IN ?", id, client, model.ActiveUploadStatuses).
		Update("updated_at", now)
	if res.Error != nil {
		return false, wrap("touch upload", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListStale 列出 updated_at 早于 cutoff 的非终态会话。
func (r *uploadRepository) ListStale(ctx context.Context, cutoff time.Time) ([]model.Upload, error) {
	var uploads []model.Upload
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", model.ActiveUploadStatuses, cutoff).
		Order("id asc").
		Find(&uploads).Error
	return uploads, wrap("list stale uploads", err)
}

// ListActiveByClient 列出某个客户端的所有非终态会话。
func (r *uploadRepository) ListActiveByClient(ctx context.Context, client string) ([]model.Upload, error) {
	var uploads []model.Upload
	err := r.db.WithContext(ctx).
		Where("client_addr = ? AND status IN ?", client, model.ActiveUploadStatuses).
		Order("id asc").
		Find(&uploads).Error
	return uploads, wrap("list client uploads", err)
}

// Page 按 id 倒序分页检索上传历史，Search 同时匹配文件名和客户端地址。
// 它返回当前页记录、总记录数和可能发生的错误。
func (r *uploadRepository) Page(ctx context.Context, q UploadQuery) ([]model.Upload, int64, error) {
	var (
		uploads []model.Upload
		total   int64
	)
	db := r.db.WithContext(ctx).Model(&model.Upload{})
	if q.Search != "" {
		like := "%" + q.Search + "%"
		db = db.Where("filename LIKE ? OR client_addr LIKE ?", like, like)
	}
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, wrap("count uploads", err)
	}

	offset := (q.Page - 1) * q.PageSize
	err := db.Order("id desc").Offset(offset).Limit(q.PageSize).Find(&uploads).Error
	if err != nil {
		return nil, 0, wrap("page uploads", err)
	}
	return uploads, total, nil
}

// PruneTerminal 删除 updated_at 早于 before 的已结束会话，返回被删除的行。
func (r *uploadRepository) PruneTerminal(ctx context.Context, before time.Time) ([]model.Upload, error) {
	terminal := []model.UploadStatus{model.UploadComplete, model.UploadDisconnected}
	var pruned []model.Upload
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", terminal, before).
		Find(&pruned).Error
	if err != nil {
		return nil, wrap("list prunable uploads", err)
	}
	if len(pruned) == 0 {
		return nil, nil
	}

	ids := make([]uint, 0, len(pruned))
	for _, u := range pruned {
		ids = append(ids, u.ID)
	}
	err = r.db.WithContext(ctx).
		Where("id IN ? AND status IN ?", ids, terminal).
		Delete(&model.Upload{}).Error
	if err != nil {
		return nil, wrap("prune uploads", err)
	}
	return pruned, nil
}
