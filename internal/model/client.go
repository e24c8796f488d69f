package model

import (
	"database/sql/driver"
	"time"
)

// ClientStatus 是客户端的连接状态。
type ClientStatus string

const (
	ClientConnected    ClientStatus = "connected"
	ClientDisconnected ClientStatus = "disconnected"
)

// Value 实现 driver.Valuer，以普通字符串写入数据库。
func (s ClientStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Client 定义了 clients 表的 ORM 模型，按网络地址识别一个上传方。
type Client struct {
	ID        uint         `gorm:"primaryKey;autoIncrement" json:"-"`
	Address   string       `gorm:"type:varchar(64);not null;uniqueIndex" json:"address"`
	UserAgent string       `gorm:"type:varchar(512)" json:"user_agent"`
	Status    ClientStatus `gorm:"type:varchar(16);not null;default:connected;index" json:"status"`
	LastSeen  time.Time    `gorm:"not null;index" json:"last_seen"`
	CreatedAt time.Time    `gorm:"not null" json:"first_seen"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Client) TableName() string {
	return "clients"
}
