// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"

	"drcv-go/internal/model"
	"drcv-go/internal/repository"
)

// UploadListResponse 定义了上传历史 API 的响应结构。
type UploadListResponse struct {
	Content       []UploadDetailResponse `json:"content"`
	TotalElements int64                  `json:"totalElements"`
	TotalPages    int                    `json:"totalPages"`
	Size          int                    `json:"size"`
	Number        int                    `json:"number"`
}

// UploadDetailResponse 定义了上传历史列表项的详细结构。
type UploadDetailResponse struct {
	ID          uint             `json:"id"`
	Filename    string           `json:"filename"`
	Client      string           `json:"client"`
	Size        int64            `json:"size"`
	TotalChunks int              `json:"total_chunks"`
	Received    int              `json:"received_chunks"`
	Status      string           `json:"status"`
	CreatedAt   model.LocalTime  `json:"created_at"`
	UpdatedAt   model.LocalTime  `json:"updated_at"`
	CompletedAt *model.LocalTime `json:"completed_at"`
}

// ClientDetailResponse 定义了客户端列表项的结构。
type ClientDetailResponse struct {
	Address   string          `json:"address"`
	UserAgent string          `json:"user_agent"`
	Status    string          `json:"status"`
	LastSeen  model.LocalTime `json:"last_seen"`
	FirstSeen model.LocalTime `json:"first_seen"`
}

// AdminService 接口定义了管理端的只读查询。
type AdminService interface {
	ListUploads(ctx context.Context, page int, search string) (*UploadListResponse, error)
	ListClients(ctx context.Context) ([]ClientDetailResponse, error)
}

// adminService 是 AdminService 接口的实现。
type adminService struct {
	uploadRepo repository.UploadRepository
	clientRepo repository.ClientRepository
	pageSize   int
}

// NewAdminService 创建一个新的 AdminService 实例。
func NewAdminService(uploadRepo repository.UploadRepository, clientRepo repository.ClientRepository, pageSize int) AdminService {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &adminService{
		uploadRepo: uploadRepo,
		clientRepo: clientRepo,
		pageSize:   pageSize,
	}
}

// ListUploads 以分页的形式返回上传历史，页码从 1 开始。
func (s *adminService) ListUploads(ctx context.Context, page int, search string) (*UploadListResponse, error) {
	if page < 1 {
		page = 1
	}
	uploads, total, err := s.uploadRepo.Page(ctx, repository.UploadQuery{
		Page:     page,
		PageSize: s.pageSize,
		Search:   search,
	})
	if err != nil {
		return nil, err
	}

	content := make([]UploadDetailResponse, 0, len(uploads)) // 初始化为空数组，而不是 nil
	for i := range uploads {
		u := &uploads[i]
		content = append(content, UploadDetailResponse{
			ID:          u.ID,
			Filename:    u.Filename,
			Client:      u.ClientAddr,
			Size:        u.Size,
			TotalChunks: u.TotalChunks,
			Received:    u.ReceivedCount(),
			Status:      string(u.Status),
			CreatedAt:   model.LocalTime(u.CreatedAt),
			UpdatedAt:   model.LocalTime(u.UpdatedAt),
			CompletedAt: model.NewLocalTime(u.CompletedAt),
		})
	}

	totalPages := int(total) / s.pageSize
	if int(total)%s.pageSize != 0 {
		totalPages++
	}

	return &UploadListResponse{
		Content:       content,
		TotalElements: total,
		TotalPages:    totalPages,
		Size:          s.pageSize,
		Number:        page,
	}, nil
}

// ListClients 返回所有客户端及其当前状态，最近活跃的排在前面。
func (s *adminService) ListClients(ctx context.Context) ([]ClientDetailResponse, error) {
	clients, err := s.clientRepo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ClientDetailResponse, 0, len(clients))
	for _, c := range clients {
		out = append(out, ClientDetailResponse{
			Address:   c.Address,
			UserAgent: c.UserAgent,
			Status:    string(c.Status),
			LastSeen:  model.LocalTime(c.LastSeen),
			FirstSeen: model.LocalTime(c.CreatedAt),
		})
	}
	return out, nil
}
