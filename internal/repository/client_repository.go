package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"drcv-go/internal/model"
)

// ClientRepository 接口定义了客户端名册的持久化操作。客户端记录只更新，不删除。
type ClientRepository interface {
	Touch(ctx context.Context, address, userAgent string, now time.Time) (bool, error)
	Get(ctx context.Context, address string) (*model.Client, error)
	ListStale(ctx context.Context, cutoff time.Time) ([]model.Client, error)
	MarkDisconnected(ctx context.Context, address string, cutoff, now time.Time) (bool, error)
	List(ctx context.Context) ([]model.Client, error)
}

type clientRepository struct {
	db *gorm.DB
}

// NewClientRepository 创建一个新的 ClientRepository 实例。
func NewClientRepository(db *gorm.DB) ClientRepository {
	return &clientRepository{db: db}
}

// Touch 以地址为键 upsert 一个 connected 状态的客户端，并刷新 last_seen。
// 返回值表示该客户端是否刚刚进入 connected 状态（首次出现或此前已断开）。
func (r *clientRepository) Touch(ctx context.Context, address, userAgent string, now time.Time) (bool, error) {
	db := r.db.WithContext(ctx)

	var existing model.Client
	err := db.Where("address = ?", address).Take(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, wrap("find client", err)
	}
	connected := err != nil || existing.Status == model.ClientDisconnected

	assign := map[string]interface{}{
		"status":    model.ClientConnected,
		"last_seen": now,
	}
	if userAgent != "" {
		assign["user_agent"] = userAgent
	}
	c := model.Client{
		Address:   address,
		UserAgent: userAgent,
		Status:    model.ClientConnected,
		LastSeen:  now,
		CreatedAt: now,
	}
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}},
		DoUpdates: clause.Assignments(assign),
	}).Create(&c).Error
	if err != nil {
		return false, wrap("upsert client", err)
	}
	return connected, nil
}

// Get 按地址读取客户端。
func (r *clientRepository) Get(ctx context.Context, address string) (*model.Client, error) {
	var c model.Client
	if err := r.db.WithContext(ctx).Where("address = ?", address).Take(&c).Error; err != nil {
		return nil, wrap("get client", err)
	}
	return &c, nil
}

// ListStale 列出 last_seen 早于 cutoff 且仍为 connected 的客户端。
func (r *clientRepository) ListStale(ctx context.Context, cutoff time.Time) ([]model.Client, error) {
	var clients []model.Client
	err := r.db.WithContext(ctx).
		Where("status = ? AND last_seen < ?", model.ClientConnected, cutoff).
		Order("id asc").
		Find(&clients).Error
	return clients, wrap("list stale clients", err)
}

// MarkDisconnected 在客户端仍为 connected 且仍然过期时把它标记为 disconnected。
// 期间若有新的心跳刷新了 last_seen，则不做修改并返回 false。
func (r *clientRepository) MarkDisconnected(ctx context.Context, address string, cutoff, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Client{}).
		Where("address = ? AND status = ? AND last_seen < ?", address, model.ClientConnected, cutoff).
		Update("status", model.ClientDisconnected)
	if res.Error != nil {
		return false, wrap("mark client disconnected", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// List 返回全部客户端，最近活跃的在前。
func (r *clientRepository) List(ctx context.Context) ([]model.Client, error) {
	var clients []model.Client
	err := r.db.WithContext(ctx).Order("last_seen desc").Find(&clients).Error
	return clients, wrap("list clients", err)
}
