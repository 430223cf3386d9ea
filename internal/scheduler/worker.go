package scheduler

import (
	"context"
	"fmt"

	"lead_routing_backend/internal/routing/audit"
	"lead_routing_backend/platform/config"
	"lead_routing_backend/platform/logger"

	"github.com/hibiken/asynq"
)

type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	store  audit.Store
	log    *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, store audit.Store, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server: server,
		mux:    mux,
		store:  store,
		log:    log,
	}

	mux.HandleFunc(TaskAuditAppend, w.handleAuditAppend)

	return w, nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

func (w *Worker) handleAuditAppend(ctx context.Context, task *asynq.Task) error {
	entry, err := ParseAuditAppendPayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if err := w.store.Append(ctx, entry); err != nil {
		w.log.AuditWriteFailed(entry.LeadID.String(), err)
		return err
	}

	w.log.Info("audit entry written from retry queue", "leadId", entry.LeadID, "entryId", entry.ID)
	return nil
}
