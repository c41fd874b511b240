package worker

import (
	"context"
	"errors"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"wikirace-server/internal/tasks"
)

// WorkerServer 封装了 Asynq Worker Server 的启动和关闭逻辑
type WorkerServer struct {
	server  *asynq.Server
	log     *logrus.Entry
	mirror  *MirrorHandler
	sweeper *SweepHandler
}

// NewWorkerServer 创建一个新的 WorkerServer 实例。
// sweepQueue 为当前进程独有的清理队列；mirror 或 sweeper 为 nil 时不注册对应任务。
func NewWorkerServer(redisOpt asynq.RedisClientOpt, sweepQueue string, mirror *MirrorHandler, sweeper *SweepHandler, logger *logrus.Logger) *WorkerServer {
	logEntry := logger.WithField("component", "worker_server")

	queues := map[string]int{
		tasks.QueueCritical: 6,
		tasks.QueueDefault:  3,
		tasks.QueueLow:      1,
	}
	if sweepQueue != "" {
		queues[sweepQueue] = 6
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues:      queues,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				taskID := ""
				if rw := task.ResultWriter(); rw != nil {
					taskID = rw.TaskID()
				}
				retryCount, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logEntry.WithFields(logrus.Fields{
					"task_id":   taskID,
					"task_type": task.Type(),
					"retries":   retryCount,
					"max_retry": maxRetry,
				}).Errorf("Task failed: %v", err)
			}),
		},
	)

	return &WorkerServer{
		server:  server,
		log:     logEntry,
		mirror:  mirror,
		sweeper: sweeper,
	}
}

// Mux 返回注册好任务处理器的 ServeMux
func (ws *WorkerServer) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	if ws.mirror != nil {
		mux.HandleFunc(tasks.TypeRoomMirrorSave, ws.mirror.ProcessSave)
		mux.HandleFunc(tasks.TypeRoomMirrorDelete, ws.mirror.ProcessDelete)
		mux.HandleFunc(tasks.TypeMirrorPurge, ws.mirror.ProcessPurge)
	}
	if ws.sweeper != nil {
		mux.Handle(tasks.TypeRoomsSweep, ws.sweeper)
	}
	return mux
}

// Start 运行 Worker Server，应该在单独的 goroutine 中调用
func (ws *WorkerServer) Start() {
	ws.log.Info("Worker server starting...")
	if err := ws.server.Run(ws.Mux()); err != nil {
		if !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, asynq.ErrServerClosed) {
			ws.log.Errorf("Could not run worker server: %v", err)
		} else {
			ws.log.Info("Worker server stopped.")
		}
	}
}

// Shutdown 优雅地关闭 Worker Server
func (ws *WorkerServer) Shutdown() {
	ws.log.Info("Shutting down worker server...")
	ws.server.Shutdown()
	ws.log.Info("Worker server shut down complete.")
}
