package main

import (
	"log"
	"net/http"
	"time"

	"github.com/Fuzztrack/prout-app-sub000/config"
	"github.com/Fuzztrack/prout-app-sub000/handler"
	"github.com/Fuzztrack/prout-app-sub000/middleware"
	"github.com/Fuzztrack/prout-app-sub000/service"
	"github.com/Fuzztrack/prout-app-sub000/utils"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func init() {
	// 设置时区为 UTC
	time.Local = time.UTC
}

func main() {
	// 加载配置
	cfg := config.Load()

	// 初始化认证中间件
	middleware.InitAuth(cfg.JWTSecret)

	// 目录：有 DATABASE_URL 时连 Postgres，否则使用内存目录（本地调试）
	var dir service.Directory
	var feedFactory func(token string) service.RealtimeFeed
	if cfg.DatabaseURL != "" {
		db, err := utils.OpenDB(cfg.DatabaseURL, utils.DefaultDBOptions())
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer utils.CloseDB(db)

		gormDir := service.NewGormDirectory(db)
		if err := gormDir.Migrate(); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		dir = gormDir
	} else {
		log.Println("[WARN] DATABASE_URL not set, using in-memory directory")
		mem := service.NewMemoryDirectory()
		dir = mem
		feedFactory = func(string) service.RealtimeFeed { return mem }
	}
	if cfg.RealtimeURL != "" {
		feedFactory = func(token string) service.RealtimeFeed {
			return service.NewWebsocketFeed(cfg.RealtimeURL, token)
		}
	}

	// 本地快照
	var snapshots service.SnapshotStore
	switch cfg.SnapshotBackend {
	case "redis":
		rdb, err := utils.OpenRedis(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
		snapshots = service.NewRedisSnapshotStore(rdb, 7*24*time.Hour)
	default:
		bdb, err := utils.OpenBadger(cfg.SnapshotDir)
		if err != nil {
			log.Fatalf("Failed to open snapshot store: %v", err)
		}
		defer bdb.Close()
		snapshots = service.NewBadgerSnapshotStore(bdb)
	}

	// 指标
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(registry)

	// UI 推送
	hub := handler.NewHub()

	mgr := service.NewSessionManager(service.SessionDeps{
		Directory:    dir,
		Feed:         feedFactory,
		Snapshots:    snapshots,
		Gateway:      service.NewHTTPGateway(cfg.GatewayURL, &http.Client{Timeout: 10 * time.Second}),
		Clock:        clock.New(),
		Metrics:      metrics,
		Authenticate: middleware.ValidateToken,
		OnChange:     hub.PublishChange,
		Notifier:     hub,
	}, cfg.SessionConfig())
	defer mgr.SignOut()

	r := handler.NewRouter(mgr, hub, registry)

	// 启动服务
	log.Printf("🚀 prout relationship engine starting on port %s", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
