package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"assistant-orchestrator/shared/logx"
	"assistant-orchestrator/shared/metricsx"
)

// DepthReporter publishes the queue size gauge on an interval.
type DepthReporter struct {
	inspector *asynq.Inspector
	queue     string
	interval  time.Duration
	logger    logx.Logger
}

func NewDepthReporter(inspector *asynq.Inspector, queue string, interval time.Duration, logger logx.Logger) *DepthReporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &DepthReporter{inspector: inspector, queue: queue, interval: interval, logger: logger}
}

func (d *DepthReporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			info, err := d.inspector.GetQueueInfo(d.queue)
			if err != nil {
				d.logger.Debug(ctx, "queue_info_failed", "queue info unavailable",
					slog.String("queue", d.queue),
					slog.String("error", err.Error()),
				)
				continue
			}
			metricsx.SetAsynqQueueDepth(d.queue, info.Size)
		}
	}
}
