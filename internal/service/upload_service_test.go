package service

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"drcv-go/internal/config"
	"drcv-go/internal/event"
	"drcv-go/internal/model"
	"drcv-go/internal/repository"
	"drcv-go/pkg/database"
	"drcv-go/pkg/fsutil"
)

const mib = 1 << 20

var t0 = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(context.Background(), config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "drcv.db"),
		LogLevel: "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })
	return db
}

type engineFixture struct {
	svc    *uploadService
	repo   repository.UploadRepository
	events *event.Broadcaster
	dir    string
}

func newEngine(t *testing.T, db *gorm.DB, chunk, max int64) *engineFixture {
	t.Helper()
	dir := t.TempDir()
	repo := repository.NewUploadRepository(db)
	events := event.NewBroadcaster(256)
	t.Cleanup(events.Close)

	svc, err := NewUploadService(repo, events, config.UploadConfig{
		Dir:         dir,
		ChunkSize:   chunk,
		MaxFileSize: max,
	})
	require.NoError(t, err)
	us := svc.(*uploadService)
	us.now = func() time.Time { return t0 }
	t.Cleanup(func() { _ = us.Close() })
	return &engineFixture{svc: us, repo: repo, events: events, dir: dir}
}

// split 把 data 切成 chunk 大小的分片，最后一个分片可能更短。
func split(data []byte, chunk int) [][]byte {
	var out [][]byte
	for len(data) > chunk {
		out = append(out, data[:chunk])
		data = data[chunk:]
	}
	return append(out, data)
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func (f *engineFixture) send(t *testing.T, client, name string, chunks [][]byte, index int) (*model.Upload, error) {
	t.Helper()
	return f.svc.AcceptChunk(context.Background(), ChunkRequest{
		Filename:    name,
		Client:      client,
		ChunkIndex:  index,
		TotalChunks: len(chunks),
		Payload:     chunks[index],
	})
}

func TestAcceptChunk_AnyArrivalOrderYieldsSameFile(t *testing.T) {
	orders := map[string][]int{
		"顺序":   {0, 1, 2, 3},
		"倒序":   {3, 2, 1, 0},
		"交错":   {2, 0, 3, 1},
		"最后先到": {3, 0, 1, 2},
	}
	data := pattern(3*16 + 5)
	chunks := split(data, 16)
	require.Len(t, chunks, 4)

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			f := newEngine(t, setupDB(t), 16, 1024)
			var last *model.Upload
			for i, idx := range order {
				u, err := f.send(t, "10.0.0.1", "data.bin", chunks, idx)
				require.NoError(t, err)
				if i < len(order)-1 {
					assert.Equal(t, model.UploadUploading, u.Status)
				}
				last = u
			}
			assert.Equal(t, model.UploadComplete, last.Status)
			assert.EqualValues(t, len(data), last.Size)

			got, err := os.ReadFile(filepath.Join(f.dir, "data.bin"))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got))

			_, err = os.Stat(fsutil.PartialPath(f.dir, "10.0.0.1", "data.bin"))
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestAcceptChunk_ConcurrentChunksCompleteOnce(t *testing.T) {
	f := newEngine(t, setupDB(t), 32, 4096)
	data := pattern(32*10 + 3)
	chunks := split(data, 32)
	sub := f.events.Subscribe()

	var wg sync.WaitGroup
	errs := make([]error, len(chunks))
	for i := range chunks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.send(t, "10.0.0.1", "par.bin", chunks, i)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got, err := os.ReadFile(filepath.Join(f.dir, "par.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	completed := 0
	for len(sub.C) > 0 {
		if e := <-sub.C; e.Type == event.UploadCompleted {
			completed++
			assert.Equal(t, filepath.Join(f.dir, "par.bin"), e.Data.(event.UploadData).StoredAs)
		}
	}
	assert.Equal(t, 1, completed)
}

func TestProbeStatus_ReflectsAcceptedChunksOnly(t *testing.T) {
	f := newEngine(t, setupDB(t), mib, 100*mib)
	ctx := context.Background()
	data := pattern(4*mib - 10)
	chunks := split(data, mib)
	require.Len(t, chunks, 4)

	u, err := f.svc.ProbeStatus(ctx, "movie.mp4", "10.0.0.1")
	require.NoError(t, err)
	assert.Zero(t, u.Size)
	assert.Equal(t, model.UploadInit, u.Status)

	again, err := f.svc.ProbeStatus(ctx, "movie.mp4", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, again.ID)
	assert.Equal(t, model.UploadInit, again.Status, "probing alone never advances status")

	for _, i := range []int{0, 1} {
		_, err := f.send(t, "10.0.0.1", "movie.mp4", chunks, i)
		require.NoError(t, err)
	}
	u, err = f.svc.ProbeStatus(ctx, "movie.mp4", "10.0.0.1")
	require.NoError(t, err)
	assert.EqualValues(t, 2*mib, u.Size)
	assert.Equal(t, model.UploadUploading, u.Status)
	assert.Equal(t, 2, u.NextChunk())

	for _, i := range []int{2, 3} {
		u, err = f.send(t, "10.0.0.1", "movie.mp4", chunks, i)
		require.NoError(t, err)
	}
	assert.Equal(t, model.UploadComplete, u.Status)

	info, err := os.Stat(filepath.Join(f.dir, "movie.mp4"))
	require.NoError(t, err)
	assert.EqualValues(t, 4*mib-10, info.Size())
}

func TestAcceptChunk_DuplicateIsNoOp(t *testing.T) {
	f := newEngine(t, setupDB(t), 8, 1024)
	data := []byte("0123456789abcdefXYZ")
	chunks := split(data, 8)

	u1, err := f.send(t, "10.0.0.1", "dup.txt", chunks, 0)
	require.NoError(t, err)
	u2, err := f.send(t, "10.0.0.1", "dup.txt", chunks, 0)
	require.NoError(t, err)
	assert.Equal(t, u1.Size, u2.Size)
	assert.Equal(t, 1, u2.ReceivedCount())

	// 完成之后再重发最后一个分片会开启新会话，不影响已完成的文件
	for _, i := range []int{2, 1, 2} {
		_, err = f.send(t, "10.0.0.1", "dup.txt", chunks, i)
		require.NoError(t, err)
	}
	got, err := os.ReadFile(filepath.Join(f.dir, "dup.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestAcceptChunk_SameFilenameDifferentClients(t *testing.T) {
	f := newEngine(t, setupDB(t), 4, 1024)
	a := split([]byte("aaaaAAAA"), 4)
	b := split([]byte("bbbbBB"), 4)

	ua, err := f.send(t, "10.0.0.1", "same.txt", a, 0)
	require.NoError(t, err)
	ub, err := f.send(t, "10.0.0.2", "same.txt", b, 0)
	require.NoError(t, err)
	assert.NotEqual(t, ua.ID, ub.ID)
	assert.NotEqual(t,
		fsutil.PartialPath(f.dir, "10.0.0.1", "same.txt"),
		fsutil.PartialPath(f.dir, "10.0.0.2", "same.txt"))

	_, err = f.send(t, "10.0.0.1", "same.txt", a, 1)
	require.NoError(t, err)
	_, err = f.send(t, "10.0.0.2", "same.txt", b, 1)
	require.NoError(t, err)

	first, err := os.ReadFile(filepath.Join(f.dir, "same.txt"))
	require.NoError(t, err)
	second, err := os.ReadFile(filepath.Join(f.dir, "same (1).txt"))
	require.NoError(t, err)
	assert.Equal(t, "aaaaAAAA", string(first))
	assert.Equal(t, "bbbbBB", string(second))
}

func TestAcceptChunk_Rejections(t *testing.T) {
	f := newEngine(t, setupDB(t), 4, 10)

	tests := []struct {
		name    string
		req     ChunkRequest
		wantErr error
	}{
		{"序号越界", ChunkRequest{Filename: "a", Client: "c", ChunkIndex: 2, TotalChunks: 2, Payload: []byte("abcd")}, ErrInvalidChunk},
		{"负序号", ChunkRequest{Filename: "a", Client: "c", ChunkIndex: -1, TotalChunks: 2, Payload: []byte("abcd")}, ErrInvalidChunk},
		{"总数为零", ChunkRequest{Filename: "a", Client: "c", ChunkIndex: 0, TotalChunks: 0, Payload: []byte("abcd")}, ErrInvalidChunk},
		{"中间分片过短", ChunkRequest{Filename: "a", Client: "c", ChunkIndex: 0, TotalChunks: 2, Payload: []byte("ab")}, ErrInvalidChunk},
		{"最后分片过长", ChunkRequest{Filename: "a", Client: "c", ChunkIndex: 1, TotalChunks: 2, Payload: []byte("abcde")}, ErrInvalidChunk},
		{"最后分片为空", ChunkRequest{Filename: "a", Client: "c", ChunkIndex: 1, TotalChunks: 2, Payload: nil}, ErrInvalidChunk},
		{"目录穿越", ChunkRequest{Filename: "../etc/passwd", Client: "c", ChunkIndex: 0, TotalChunks: 1, Payload: []byte("x")}, ErrInvalidChunk},
		{"分片数超出上限", ChunkRequest{Filename: "a", Client: "c", ChunkIndex: 0, TotalChunks: 4, Payload: []byte("abcd")}, ErrSizeExceeded},
		{"末尾超出上限", ChunkRequest{Filename: "a", Client: "c", ChunkIndex: 2, TotalChunks: 3, Payload: []byte("abcd")}, ErrSizeExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := f.svc.AcceptChunk(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, u)
		})
	}

	_, err := f.repo.Latest(context.Background(), "a", "c")
	assert.ErrorIs(t, err, repository.ErrNotFound, "rejected chunks must not create sessions")

	u, err := f.svc.AcceptChunk(context.Background(), ChunkRequest{Filename: "a", Client: "c", ChunkIndex: 2, TotalChunks: 3, Payload: []byte("ab")})
	require.NoError(t, err)
	assert.EqualValues(t, 2, u.Size)
}

func TestAcceptChunk_TotalMismatchKeepsSession(t *testing.T) {
	f := newEngine(t, setupDB(t), 4, 1024)
	chunks := split([]byte("abcdefgh"), 4)
	_, err := f.send(t, "10.0.0.1", "m.bin", chunks, 0)
	require.NoError(t, err)

	u, err := f.svc.AcceptChunk(context.Background(), ChunkRequest{
		Filename: "m.bin", Client: "10.0.0.1", ChunkIndex: 1, TotalChunks: 3, Payload: []byte("efgh"),
	})
	assert.ErrorIs(t, err, ErrInvalidChunk)
	require.NotNil(t, u)
	assert.EqualValues(t, 4, u.Size)
	assert.Equal(t, model.UploadUploading, u.Status)
}

func TestAcceptChunk_EmptySingleChunkFile(t *testing.T) {
	f := newEngine(t, setupDB(t), 4, 1024)
	u, err := f.svc.AcceptChunk(context.Background(), ChunkRequest{
		Filename: "empty.txt", Client: "10.0.0.1", ChunkIndex: 0, TotalChunks: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, model.UploadComplete, u.Status)

	info, err := os.Stat(filepath.Join(f.dir, "empty.txt"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestProbeStatus_MissingPartialResetsInheritedProgress(t *testing.T) {
	f := newEngine(t, setupDB(t), 4, 1024)
	ctx := context.Background()
	chunks := split([]byte("abcdefgh"), 4)

	u, err := f.send(t, "10.0.0.1", "lost.bin", chunks, 0)
	require.NoError(t, err)
	ok, err := f.repo.MarkDisconnected(ctx, u.ID, t0)
	require.NoError(t, err)
	require.True(t, ok)
	f.svc.Release("10.0.0.1", "lost.bin")
	require.NoError(t, os.Remove(fsutil.PartialPath(f.dir, "10.0.0.1", "lost.bin")))

	next, err := f.svc.ProbeStatus(ctx, "lost.bin", "10.0.0.1")
	require.NoError(t, err)
	assert.NotEqual(t, u.ID, next.ID)
	assert.Zero(t, next.Size)
	assert.Zero(t, next.TotalChunks)
}

func TestDiscardPartial_KeepsResumableFiles(t *testing.T) {
	f := newEngine(t, setupDB(t), 4, 1024)
	ctx := context.Background()
	chunks := split([]byte("abcdefgh"), 4)
	part := fsutil.PartialPath(f.dir, "10.0.0.1", "keep.bin")

	u, err := f.send(t, "10.0.0.1", "keep.bin", chunks, 0)
	require.NoError(t, err)

	require.NoError(t, f.svc.DiscardPartial(ctx, "10.0.0.1", "keep.bin"))
	assert.FileExists(t, part, "active session keeps its partial file")

	_, err = f.repo.MarkDisconnected(ctx, u.ID, t0)
	require.NoError(t, err)
	require.NoError(t, f.svc.DiscardPartial(ctx, "10.0.0.1", "keep.bin"))
	assert.FileExists(t, part, "disconnected session can still be resumed")

	_, err = f.repo.PruneTerminal(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.svc.DiscardPartial(ctx, "10.0.0.1", "keep.bin"))
	assert.NoFileExists(t, part)
}

// sweepingUploads 在登记分片之前把会话标记为断线，模拟清理任务恰好插在两次数据库操作之间。
type sweepingUploads struct {
	repository.UploadRepository
	remaining int // 小于 0 表示每次都断开
	swept     []uint
}

func (r *sweepingUploads) RecordChunk(ctx context.Context, id uint, index, total int, length int64, now time.Time) (*model.Upload, bool, error) {
	if r.remaining != 0 {
		r.remaining--
		if _, err := r.UploadRepository.MarkDisconnected(ctx, id, now); err != nil {
			return nil, false, err
		}
		r.swept = append(r.swept, id)
	}
	return r.UploadRepository.RecordChunk(ctx, id, index, total, length, now)
}

func TestAcceptChunk_SessionSweptMidChunkMovesToSuccessor(t *testing.T) {
	f := newEngine(t, setupDB(t), 4, 1024)
	ctx := context.Background()
	data := []byte("abcdefghij")
	chunks := split(data, 4)

	first, err := f.send(t, "10.0.0.1", "m.bin", chunks, 0)
	require.NoError(t, err)

	sweeper := &sweepingUploads{UploadRepository: f.repo, remaining: 1}
	f.svc.uploadRepo = sweeper

	u, err := f.send(t, "10.0.0.1", "m.bin", chunks, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint{first.ID}, sweeper.swept)
	assert.NotEqual(t, first.ID, u.ID)
	assert.Equal(t, model.UploadUploading, u.Status)
	assert.True(t, u.HasChunk(0), "successor inherits earlier chunks")
	assert.True(t, u.HasChunk(1))
	assert.EqualValues(t, 8, u.Size)

	old, err := f.repo.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadDisconnected, old.Status)

	part, err := os.ReadFile(fsutil.PartialPath(f.dir, "10.0.0.1", "m.bin"))
	require.NoError(t, err)
	assert.Equal(t, data[:8], part)

	done, err := f.send(t, "10.0.0.1", "m.bin", chunks, 2)
	require.NoError(t, err)
	assert.Equal(t, u.ID, done.ID)
	assert.Equal(t, model.UploadComplete, done.Status)
	got, err := os.ReadFile(filepath.Join(f.dir, "m.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestAcceptChunk_SessionSweptTwiceIsReported(t *testing.T) {
	f := newEngine(t, setupDB(t), 4, 1024)
	data := []byte("abcdefgh")
	chunks := split(data, 4)

	f.svc.uploadRepo = &sweepingUploads{UploadRepository: f.repo, remaining: -1}
	u, err := f.send(t, "10.0.0.1", "m.bin", chunks, 0)
	assert.ErrorIs(t, err, repository.ErrInactive)
	require.NotNil(t, u)

	// 客户端重试时分片正常落到新会话
	f.svc.uploadRepo = f.repo
	_, err = f.send(t, "10.0.0.1", "m.bin", chunks, 0)
	require.NoError(t, err)
	done, err := f.send(t, "10.0.0.1", "m.bin", chunks, 1)
	require.NoError(t, err)
	assert.Equal(t, model.UploadComplete, done.Status)
	got, err := os.ReadFile(filepath.Join(f.dir, "m.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestAcceptChunk_LongFilename(t *testing.T) {
	f := newEngine(t, setupDB(t), 4, 1024)
	name := strings.Repeat("a", 240) + ".bin"
	chunks := split([]byte("abcdefgh"), 4)

	_, err := f.send(t, "fe80::1234:5678:9abc:def0", name, chunks, 0)
	require.NoError(t, err)
	done, err := f.send(t, "fe80::1234:5678:9abc:def0", name, chunks, 1)
	require.NoError(t, err)
	assert.Equal(t, model.UploadComplete, done.Status)

	got, err := os.ReadFile(filepath.Join(f.dir, name))
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefgh"), got)
}
