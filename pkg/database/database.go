package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"drcv-go/internal/config"
	"drcv-go/internal/model"
	"drcv-go/pkg/log"
)

var DB *gorm.DB

// dialectorFactory 根据 DSN 创建对应数据库的 gorm dialector。
type dialectorFactory func(dsn string) gorm.Dialector

var dialectors = map[string]dialectorFactory{}

func registerDialector(driver string, f dialectorFactory) {
	dialectors[driver] = f
}

// Open 打开数据库连接、配置连接池并自动迁移 uploads/clients/facts 三张表。
func Open(ctx context.Context, cfg config.DatabaseConfig) (*gorm.DB, error) {
	factory, ok := dialectors[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("不支持的数据库类型: %s", cfg.Driver)
	}

	db, err := gorm.Open(factory(cfg.DSN), &gorm.Config{
		Logger: log.NewGormLogger(cfg.LogLevel, 200*time.Millisecond),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取 sql.DB 失败: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if cfg.Driver == "sqlite" || maxOpen <= 0 {
		// SQLite 只允许单个写连接
		maxOpen = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxOpen)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("数据库 ping 失败: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(model.All()...); err != nil {
		return nil, fmt.Errorf("数据库迁移失败: %w", err)
	}
	return db, nil
}

// Init 初始化全局数据库连接
func Init(ctx context.Context, cfg config.DatabaseConfig) {
	var err error
	DB, err = Open(ctx, cfg)
	if err != nil {
		log.Fatal("failed to connect database", err)
	}
	log.Infof("%s database connected successfully", cfg.Driver)
}

// Close 关闭底层连接池。
func Close(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
