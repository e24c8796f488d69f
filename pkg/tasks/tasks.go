// Package tasks 定义了后台任务的数据结构。
package tasks

// ArchiveTask 表示一个需要归档到对象存储的已完成上传。
type ArchiveTask struct {
	UploadID uint   `json:"upload_id"`
	Client   string `json:"client"`
	FileName string `json:"file_name"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
}
