// Package model 定义了与数据库表对应的 Go 结构体。
package model

import (
	"database/sql/driver"
	"time"
)

// UploadStatus 是上传会话的状态。
type UploadStatus string

const (
	UploadInit         UploadStatus = "init"
	UploadUploading    UploadStatus = "uploading"
	UploadComplete     UploadStatus = "complete"
	UploadDisconnected UploadStatus = "disconnected"
)

// Terminal 报告该状态是否为终态。终态不会再发生任何迁移。
func (s UploadStatus) Terminal() bool {
	return s == UploadComplete || s == UploadDisconnected
}

// Value 实现 driver.Valuer，以普通字符串写入数据库。
func (s UploadStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// ActiveUploadStatuses 是仍可接收分片的状态集合。
var ActiveUploadStatuses = []UploadStatus{UploadInit, UploadUploading}

// Upload 定义了 uploads 表的 ORM 模型，对应一次可续传的上传会话。
type Upload struct {
	ID          uint         `gorm:"primaryKey;autoIncrement" json:"id"`
	Filename    string       `gorm:"type:varchar(255);not null;index" json:"filename"`
	ClientAddr  string       `gorm:"type:varchar(64);not null;index" json:"client"`
	Size        int64        `gorm:"not null;default:0" json:"size"`
	TotalChunks int          `gorm:"not null;default:0" json:"total_chunks"`
	Received    []byte       `gorm:"type:blob" json:"-"` // 已收到分片的位图，第 i 位对应第 i 个分片
	Status      UploadStatus `gorm:"type:varchar(16);not null;default:init;index" json:"status"`
	// ActiveKey 在非终态时为 "client|filename"，终态时置空；唯一索引保证同一键最多一个活跃会话。
	ActiveKey   *string    `gorm:"type:varchar(320);uniqueIndex" json:"-"`
	CreatedAt   time.Time  `gorm:"not null" json:"started_at"`
	UpdatedAt   time.Time  `gorm:"not null;index" json:"updated_at"`
	CompletedAt *time.Time `gorm:"default:null" json:"completed_at"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Upload) TableName() string {
	return "uploads"
}

// SessionKey 返回 (客户端地址, 文件名) 组成的会话键。
func SessionKey(client, filename string) string {
	return client + "|" + filename
}

// HasChunk 报告第 index 个分片是否已收到。
func (u *Upload) HasChunk(index int) bool {
	byteIndex := index / 8
	if index < 0 || byteIndex >= len(u.Received) {
		return false
	}
	return u.Received[byteIndex]&(1<<(7-uint(index%8))) != 0
}

// SetChunk 标记第 index 个分片已收到，返回该分片此前是否未标记。
func (u *Upload) SetChunk(index int) bool {
	if u.HasChunk(index) {
		return false
	}
	byteIndex := index / 8
	if byteIndex >= len(u.Received) {
		grown := make([]byte, byteIndex+1)
		copy(grown, u.Received)
		u.Received = grown
	}
	u.Received[byteIndex] |= 1 << (7 - uint(index%8))
	return true
}

// ReceivedCount 返回已收到的分片数。
func (u *Upload) ReceivedCount() int {
	n := 0
	for i := 0; i < u.TotalChunks; i++ {
		if u.HasChunk(i) {
			n++
		}
	}
	return n
}

// NextChunk 返回第一个未收到的分片序号；全部收到时返回 TotalChunks。
// TotalChunks 未知时（还没有分片到达）返回 0。
func (u *Upload) NextChunk() int {
	for i := 0; i < u.TotalChunks; i++ {
		if !u.HasChunk(i) {
			return i
		}
	}
	return u.TotalChunks
}

// AllReceived 报告所有分片是否都已收到。
func (u *Upload) AllReceived() bool {
	return u.TotalChunks > 0 && u.ReceivedCount() == u.TotalChunks
}
