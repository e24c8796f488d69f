package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drcv-go/internal/repository"
)

func TestAdminService_ListUploads(t *testing.T) {
	db := setupDB(t)
	uploads := repository.NewUploadRepository(db)
	ctx := context.Background()

	for i, name := range []string{"alpha.txt", "beta.txt", "gamma.bin"} {
		_, _, err := uploads.FindOrCreateActive(ctx, name, "10.0.0.1", t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	svc := NewAdminService(uploads, repository.NewClientRepository(db), 2)

	page1, err := svc.ListUploads(ctx, 1, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, page1.TotalElements)
	assert.Equal(t, 2, page1.TotalPages)
	assert.Equal(t, 2, page1.Size)
	assert.Equal(t, 1, page1.Number)
	require.Len(t, page1.Content, 2)
	assert.Equal(t, "gamma.bin", page1.Content[0].Filename)
	assert.Equal(t, "beta.txt", page1.Content[1].Filename)
	assert.Equal(t, "init", page1.Content[0].Status)

	page2, err := svc.ListUploads(ctx, 2, "")
	require.NoError(t, err)
	require.Len(t, page2.Content, 1)
	assert.Equal(t, "alpha.txt", page2.Content[0].Filename)

	filtered, err := svc.ListUploads(ctx, 0, ".txt")
	require.NoError(t, err)
	assert.EqualValues(t, 2, filtered.TotalElements)
	assert.Equal(t, 1, filtered.Number)

	empty, err := svc.ListUploads(ctx, 9, "")
	require.NoError(t, err)
	assert.NotNil(t, empty.Content)

	raw, err := json.Marshal(page2.Content[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"created_at":"2026-03-04 05:06:07"`)
	assert.Contains(t, string(raw), `"completed_at":null`)
}

func TestAdminService_ListClients(t *testing.T) {
	db := setupDB(t)
	clients := repository.NewClientRepository(db)
	ctx := context.Background()

	_, err := clients.Touch(ctx, "10.0.0.1", "curl/8", t0)
	require.NoError(t, err)
	_, err = clients.Touch(ctx, "10.0.0.2", "drcv-cli/1.0", t0.Add(time.Minute))
	require.NoError(t, err)

	svc := NewAdminService(repository.NewUploadRepository(db), clients, 0)
	list, err := svc.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "10.0.0.2", list[0].Address)
	assert.Equal(t, "connected", list[0].Status)
	assert.Equal(t, "curl/8", list[1].UserAgent)
}
