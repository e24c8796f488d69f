package model

import "time"

// Fact 是一条持久化的键值事实，例如隧道分配到的主机名。
type Fact struct {
	Key       string    `gorm:"primaryKey;type:varchar(191)" json:"key"`
	Value     string    `gorm:"type:text;not null" json:"value"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Fact) TableName() string {
	return "facts"
}

// All 返回需要自动迁移的全部模型。
func All() []interface{} {
	return []interface{}{&Upload{}, &Client{}, &Fact{}}
}
