package task

import (
	"context"
	"log/slog"

	"AgentBounty/pkg/logger"
)

// RequeueRunning 重新发布上一个进程退出时仍在执行中的任务。内存队列在重启后
// 会丢失内容，因此守护进程在处理器启动前调用一次。
func RequeueRunning(ctx context.Context, store Store, producer Producer) (int, error) {
	requeued := 0
	for offset := 0; ; offset += maxListLimit {
		tasks, total, err := store.List(ctx, ListOptions{
			Statuses: []Status{StatusRunning},
			Limit:    maxListLimit,
			Offset:   offset,
			Order:    SortByCreatedAsc,
		})
		if err != nil {
			return requeued, err
		}
		for _, task := range tasks {
			if err := producer.Publish(ctx, task.ID); err != nil {
				return requeued, err
			}
			requeued++
		}
		if offset+len(tasks) >= total || len(tasks) == 0 {
			break
		}
	}
	if requeued > 0 {
		logger.L().Info("requeued interrupted tasks", slog.Int("count", requeued))
	}
	return requeued, nil
}
