package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"drcv-go/internal/model"
)

// FactRepository 是一个通用的键值存储，后写覆盖先写。
type FactRepository interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

type factRepository struct {
	db *gorm.DB
}

// NewFactRepository 创建一个新的 FactRepository 实例。
func NewFactRepository(db *gorm.DB) FactRepository {
	return &factRepository{db: db}
}

// Get 读取 key 对应的值，不存在时 found 为 false。
func (r *factRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var f model.Fact
	err := r.db.WithContext(ctx).Where(&model.Fact{Key: key}).Take(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get fact", err)
	}
	return f.Value, true, nil
}

// Set 写入 key 对应的值。
func (r *factRepository) Set(ctx context.Context, key, value string) error {
	f := model.Fact{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&f).Error
	return wrap("set fact", err)
}
