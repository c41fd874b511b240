package worker

import (
	"context"

	"github.com/hibiken/asynq"
)

// Sweeper 执行一轮不活跃玩家和房间清理
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// SweepHandler 处理周期性的 rooms:sweep 任务
type SweepHandler struct {
	sweeper Sweeper
}

// NewSweepHandler 创建 Handler 实例
func NewSweepHandler(sweeper Sweeper) *SweepHandler {
	if sweeper == nil {
		panic("Sweeper cannot be nil for SweepHandler")
	}
	return &SweepHandler{sweeper: sweeper}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *SweepHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	// 下一轮调度会重新清理，失败不重试
	if err := h.sweeper.Sweep(ctx); err != nil {
		taskLogger(ctx, t).WithError(err).Warn("Room sweep finished with errors")
	}
	return nil
}
