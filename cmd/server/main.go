// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"drcv-go/internal/config"
	"drcv-go/internal/event"
	"drcv-go/internal/handler"
	"drcv-go/internal/middleware"
	"drcv-go/internal/pipeline"
	"drcv-go/internal/repository"
	"drcv-go/internal/service"
	"drcv-go/internal/tunnel"
	"drcv-go/pkg/database"
	"drcv-go/pkg/kafka"
	"drcv-go/pkg/log"
	"drcv-go/pkg/metrics"
	"drcv-go/pkg/scheduler"
	"drcv-go/pkg/storage"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "drcv",
	Short:        "可续传的分片文件接收服务",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(configPath)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "./configs/config.yaml", "配置文件路径，为空时只使用默认值和环境变量")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1. 初始化配置
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath, log.RotateOptions{
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 初始化数据库和指标
	database.Init(ctx, cfg.Database)
	defer database.Close(database.DB)
	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	// 4. 初始化 Repository 和事件广播器
	uploadRepo := repository.NewUploadRepository(database.DB)
	clientRepo := repository.NewClientRepository(database.DB)
	factRepo := repository.NewFactRepository(database.DB)
	events := event.NewBroadcaster(cfg.Events.BufferSize)
	defer events.Close()

	// 5. 初始化 Service (依赖注入)
	uploadService, err := service.NewUploadService(uploadRepo, events, cfg.Upload)
	if err != nil {
		return err
	}
	defer func() {
		if err := uploadService.Close(); err != nil {
			log.Warnf("关闭上传文件句柄失败: %v", err)
		}
	}()
	livenessService := service.NewLivenessService(uploadRepo, clientRepo, uploadService, events, cfg.Liveness)
	adminService := service.NewAdminService(uploadRepo, clientRepo, cfg.Admin.PageSize)

	// 6. 启动定时清理任务
	sched, err := scheduler.NewScheduler()
	if err != nil {
		return fmt.Errorf("创建调度器失败: %w", err)
	}
	if err := sched.AddInterval("liveness-sweep", cfg.Liveness.SweepInterval, func(ctx context.Context) {
		livenessService.Sweep(ctx)
	}); err != nil {
		return err
	}
	sched.Start()
	defer func() {
		if err := sched.Shutdown(); err != nil {
			log.Warnf("关闭调度器失败: %v", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	// 7. 启动可选的后台消费者：事件转发和对象存储归档
	startConsumers(gctx, g, cfg, events)

	// 8. 启动隧道，失败时只提供本地服务
	var tunnelStatus handler.TunnelReporter
	if cfg.Tunnel.Enabled {
		if supervisor := startTunnel(gctx, cfg, factRepo, events); supervisor != nil {
			defer supervisor.Stop()
			tunnelStatus = supervisor
		}
	}

	// 9. 设置 Gin 模式并创建两个路由引擎
	gin.SetMode(cfg.Server.Mode)
	uploadEngine := gin.New()
	if err := middleware.TrustTunnel(uploadEngine, cfg.Tunnel.Enabled); err != nil {
		return fmt.Errorf("配置可信代理失败: %w", err)
	}
	uploadEngine.Use(
		middleware.RequestLogger("upload"),
		gin.Recovery(),
		middleware.ClientTracker(livenessService),
		middleware.BodyLimit(cfg.Upload.BodyLimit()),
	)
	uploadHandler := handler.NewUploadHandler(uploadService, cfg.Upload.ChunkSize)
	uploadEngine.HEAD("/upload", uploadHandler.ProbeStatus)
	uploadEngine.POST("/upload", uploadHandler.UploadChunk)
	uploadEngine.POST("/heartbeat", handler.NewHeartbeatHandler(livenessService).Heartbeat)

	adminEngine := gin.New()
	adminEngine.Use(middleware.LoopbackOnly(), middleware.RequestLogger("admin"), gin.Recovery())
	adminHandler := handler.NewAdminHandler(adminService, tunnelStatus)
	adminEngine.GET("/data", adminHandler.ListUploads)
	adminEngine.GET("/clients", adminHandler.ListClients)
	adminEngine.GET("/tunnel", adminHandler.TunnelStatus)
	adminEngine.GET("/events", handler.NewEventsHandler(events).Stream)
	if cfg.Metrics.Enabled {
		metrics.Register(adminEngine)
	}

	// 10. 启动 HTTP 服务器并实现优雅停机
	servers := []*http.Server{
		{Addr: cfg.Server.UploadAddr(), Handler: uploadEngine},
		{Addr: cfg.Server.AdminAddr(), Handler: adminEngine},
	}
	for _, srv := range servers {
		g.Go(func() error {
			log.Infof("服务启动于 %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP 服务监听 %s 失败: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("接收到停机信号，正在关闭服务...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warnf("HTTP 服务器 %s 关闭超时: %v", srv.Addr, err)
			}
		}
		return nil
	})

	err = g.Wait()
	if err != nil {
		log.Error("服务异常退出", err)
	} else {
		log.Info("服务已优雅关闭")
	}
	return err
}

// startConsumers 按配置启动 Redis/Kafka 事件转发和 MinIO 归档。连接失败只记录日志。
func startConsumers(ctx context.Context, g *errgroup.Group, cfg *config.Config, events *event.Broadcaster) {
	if cfg.Redis.Enabled {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rdb, err := database.InitRedis(connectCtx, cfg.Redis)
		cancel()
		if err != nil {
			log.Warnf("Redis 不可用，跳过事件转发: %v", err)
		} else {
			sink := event.NewRedisSink(rdb, cfg.Redis.Channel)
			g.Go(func() error {
				event.Relay(ctx, events, sink)
				return nil
			})
		}
	}

	if cfg.Kafka.Enabled {
		sink := kafka.NewEventWriter(cfg.Kafka)
		g.Go(func() error {
			event.Relay(ctx, events, sink)
			return nil
		})
	}

	if cfg.MinIO.Enabled {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := storage.InitMinIO(connectCtx, cfg.MinIO)
		cancel()
		if err != nil {
			log.Warnf("MinIO 不可用，跳过归档: %v", err)
			return
		}
		processor := pipeline.NewProcessor(client, cfg.MinIO.BucketName)
		g.Go(func() error {
			processor.Run(ctx, events)
			return nil
		})
	}
}

func startTunnel(ctx context.Context, cfg *config.Config, facts tunnel.FactStore, events event.Publisher) *tunnel.Supervisor {
	provider, err := tunnel.NewProvider(cfg.Tunnel.Provider, tunnel.OSExecutor{})
	if err != nil {
		log.Warnf("隧道配置无效，仅提供本地服务: %v", err)
		return nil
	}
	supervisor := tunnel.NewSupervisor(provider, facts, tunnel.Config{
		Domain:    cfg.Tunnel.Domain,
		LocalPort: cfg.Server.UploadPort,
		Binary:    cfg.Tunnel.Binary,
		ConfigDir: cfg.Tunnel.ConfigDir,
	}, cfg.Tunnel.MaxRestarts, events)
	supervisor.Start(ctx)
	return supervisor
}
