package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	httpHandler "wikirace-server/internal/handler/http"
	wsHandler "wikirace-server/internal/handler/websocket"
	"wikirace-server/internal/hub"
	gormpersistence "wikirace-server/internal/infra/persistence/gorm"
	"wikirace-server/internal/infra/queue"
	"wikirace-server/internal/infra/setup"
	redisstate "wikirace-server/internal/infra/state/redis"
	"wikirace-server/internal/middleware"
	"wikirace-server/internal/pages"
	"wikirace-server/internal/repository"
	"wikirace-server/internal/service"
	"wikirace-server/internal/tasks"
	"wikirace-server/internal/worker"
)

const (
	shutdownTimeout = 10 * time.Second
	purgeSchedule   = "@every 10m"
	purgeInterval   = 10 * time.Minute
)

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *Config
	Log         *logrus.Logger
	DB          *gorm.DB      // 仅 sql 镜像后端
	RedisClient *redis.Client // 未配置 REDIS_ADDR 时为 nil
	AsynqClient *asynq.Client
	AsynqServer *worker.WorkerServer
	Manager     *service.RoomManager
	Hub         *hub.Hub
	Mirror      repository.MirrorStore // nil 表示未启用镜像
	HttpServer  *http.Server

	instanceID     string
	redisClientOpt asynq.RedisClientOpt
	scheduler      *asynq.Scheduler
	cancel         context.CancelFunc
}

// NewLogger 按环境选择输出格式：生产环境 JSON，其余文本。
// 各包直接使用 logrus 的全局 logger，所以这里配置的是 StandardLogger。
func NewLogger(cfg *Config) *logrus.Logger {
	log := logrus.StandardLogger()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, _ := logrus.ParseLevel(cfg.LogLevel) // cfg.LogLevel 已被 LoadConfig 验证
	log.SetLevel(level)
	log.SetOutput(os.Stdout)
	return log
}

// NewApp 创建并初始化应用的所有组件
func NewApp(cfg *Config) (*App, error) {
	log := NewLogger(cfg)
	log.WithFields(logrus.Fields{
		"env":            cfg.AppEnv,
		"level":          cfg.LogLevel,
		"mirror_backend": cfg.MirrorBackend,
	}).Info("Configuration loaded")

	app := &App{Config: cfg, Log: log, instanceID: uuid.NewString()}

	// 1. 基础设施
	if err := app.initInfra(); err != nil {
		app.closeInfra()
		return nil, err
	}

	// 2. 镜像与房间管理
	var roomMirror repository.RoomMirror
	if app.Mirror != nil {
		roomMirror = app.Mirror
		if app.AsynqClient != nil {
			roomMirror = queue.NewAsynqRoomMirror(app.AsynqClient, app.Mirror)
		}
	}
	app.Manager = service.NewRoomManager(roomMirror, service.Options{
		MaxPlayers:           cfg.MaxPlayersPerRoom,
		RoomTTL:              cfg.RoomExpiry,
		EmptyRoomGrace:       cfg.EmptyRoomGrace,
		InactiveLobbyTimeout: cfg.InactiveLobbyTimeout,
		InactiveRaceTimeout:  cfg.InactiveRaceTimeout,
	})

	// 3. 页面选择与 Hub
	selector, err := pages.NewWikipediaSelector(cfg.WikipediaAPIURL, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		app.closeInfra()
		return nil, fmt.Errorf("failed to create page selector: %w", err)
	}
	app.Hub = hub.NewHub(app.Manager, selector, hub.Options{Countdown: cfg.Countdown})
	log.Info("Hub initialized")

	// 4. Worker Server，只在有 Redis 时启用
	if app.RedisClient != nil {
		var mirrorHandler *worker.MirrorHandler
		if app.Mirror != nil {
			mirrorHandler = worker.NewMirrorHandler(app.Mirror)
		}
		app.AsynqServer = worker.NewWorkerServer(app.redisClientOpt, tasks.SweepQueueName(app.instanceID),
			mirrorHandler, worker.NewSweepHandler(app.Hub), log)
		log.Info("Worker server initialized")
	}

	// 5. 路由和 HTTP Server
	app.HttpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ServerPort),
		Handler:           app.newRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("Application assembled successfully")
	return app, nil
}

func (a *App) initInfra() error {
	cfg := a.Config
	if cfg.RedisAddr != "" {
		client, err := setup.InitRedis(context.Background(), setup.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return fmt.Errorf("failed to init Redis: %w", err)
		}
		a.RedisClient = client
		a.redisClientOpt = asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
		a.AsynqClient = asynq.NewClient(a.redisClientOpt)
		a.Log.Info("Redis and asynq client initialized")
	}

	switch cfg.MirrorBackend {
	case MirrorRedis:
		a.Mirror = redisstate.NewRedisRoomMirror(a.RedisClient, cfg.KeyPrefix, cfg.RoomExpiry)
	case MirrorSQL:
		db, err := setup.InitDB(cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			return fmt.Errorf("failed to init DB: %w", err)
		}
		a.DB = db
		if err := setup.MigrateDB(db); err != nil {
			return fmt.Errorf("failed to migrate DB: %w", err)
		}
		a.Mirror = gormpersistence.NewGormRoomMirror(db, cfg.RoomExpiry)
	}
	return nil
}

func (a *App) newRouter() *gin.Engine {
	cfg := a.Config
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	var limiter middleware.Limiter = middleware.NewMemoryLimiter()
	if a.RedisClient != nil {
		limiter = redisstate.NewRedisLimiter(a.RedisClient, cfg.KeyPrefix)
	}

	roomHandler := httpHandler.NewRoomHandler(a.Hub, a.Manager, a.Mirror, cfg.PublicBaseURL)
	socketHandler := wsHandler.NewWebSocketHandler(a.Hub, cfg.CORSAllowedOrigin)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(a.Log))
	router.Use(middleware.CORS(cfg.CORSAllowedOrigin))
	router.Use(middleware.RateLimit(limiter, "api", cfg.RateLimitMax, cfg.RateLimitWindow))

	router.GET("/", roomHandler.Root)
	router.GET("/health", roomHandler.Health)
	router.GET("/ws", socketHandler.HandleConnection)

	api := router.Group("/api")
	{
		api.POST("/rooms", middleware.RateLimit(limiter, "room_create", cfg.MaxRoomsPerIP, cfg.RoomCreateWindow), roomHandler.CreateRoom)
		api.GET("/rooms", roomHandler.ListRooms)
		api.GET("/rooms/:code", roomHandler.GetRoom)
		api.POST("/rooms/:code/join", roomHandler.JoinRoom)
		api.DELETE("/rooms/:code/leave", roomHandler.LeaveRoom)
		api.GET("/rooms/:code/qr", roomHandler.QRCode)
		api.GET("/stats", roomHandler.Stats)
	}
	return router
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go a.Hub.Run(ctx)
	a.Log.Info("Hub routine started")

	if a.AsynqServer != nil {
		go a.AsynqServer.Start()
		a.Log.Info("Asynq worker server routine started")
		a.registerPeriodicTasks()
	} else {
		// 没有 Redis 时用进程内定时器代替调度器
		go a.Hub.RunSweeper(ctx, a.Config.SweepInterval)
		if a.Mirror != nil {
			go a.runPurgeLoop(ctx)
		}
		a.Log.WithField("interval", a.Config.SweepInterval).Info("In-process sweeper started")
	}

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
}

func (a *App) registerPeriodicTasks() {
	a.scheduler = asynq.NewScheduler(a.redisClientOpt, &asynq.SchedulerOpts{})

	schedule := "@every " + a.Config.SweepInterval.String()
	queueName := tasks.SweepQueueName(a.instanceID)
	entryID, err := a.scheduler.Register(schedule, tasks.NewRoomsSweepTask(queueName))
	if err != nil {
		a.Log.Errorf("Could not register periodic sweep task: %v", err)
	} else {
		a.Log.WithFields(logrus.Fields{"schedule": schedule, "queue": queueName, "entry_id": entryID}).
			Info("Periodic sweep task registered")
	}

	if a.Mirror != nil {
		entryID, err = a.scheduler.Register(purgeSchedule, tasks.NewMirrorPurgeTask())
		if err != nil {
			a.Log.Errorf("Could not register mirror purge task: %v", err)
		} else {
			a.Log.WithFields(logrus.Fields{"schedule": purgeSchedule, "entry_id": entryID}).
				Info("Mirror purge task registered")
		}
	}

	go func() {
		a.Log.Info("Asynq scheduler starting...")
		if err := a.scheduler.Run(); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			a.Log.Errorf("Asynq scheduler Run() failed: %v", err)
		}
	}()
}

func (a *App) runPurgeLoop(ctx context.Context) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := a.Mirror.PurgeExpired(ctx)
			if err != nil {
				a.Log.WithError(err).Warn("Mirror purge failed")
				continue
			}
			if n > 0 {
				a.Log.WithField("purged", n).Info("Expired mirror entries purged")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown 优雅地关闭应用，返回关闭过程中遇到的所有错误
func (a *App) Shutdown() error {
	a.Log.Info("Shutting down application...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs error
	// 1. 停止接收新请求
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("http server: %w", err))
	}

	// 2. 关闭所有连接并等待离开流程完成
	if a.cancel != nil {
		a.cancel()
	}
	a.Hub.Wait()

	// 3. 停止倒计时，等待镜像写入投递完成
	if err := a.Manager.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("room manager: %w", err))
	}

	if a.scheduler != nil {
		a.scheduler.Shutdown()
	}
	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}
	errs = multierr.Append(errs, a.closeInfra())

	if errs != nil {
		a.Log.WithError(errs).Warn("Application shutdown completed with errors")
	} else {
		a.Log.Info("Application shutdown complete.")
	}
	return errs
}

func (a *App) closeInfra() error {
	var errs error
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("asynq client: %w", err))
		}
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("database: %w", err))
			}
		}
	}
	return errs
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
		})

		switch {
		case errorMessage != "":
			entry.Error(errorMessage)
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		default:
			entry.Info("Request handled")
		}
	}
}
