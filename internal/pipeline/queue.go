package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one queued attachment with its submission metadata.
type Job struct {
	Attachment  Attachment
	SubmittedAt time.Time
}

// Queue decouples webhook handling from processing: the handler enqueues
// and returns immediately, workers drain at their own pace.
type Queue struct {
	pipeline *Pipeline
	logger   *slog.Logger
	workers  int

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.RWMutex
	closed bool
}

type QueueOption func(*Queue)

func WithWorkers(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}

func NewQueue(p *Pipeline, logger *slog.Logger, opts ...QueueOption) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		pipeline: p,
		logger:   logger,
		workers:  4,
		ch:       make(chan Job, 64),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *Queue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Info("queue.worker.start", "worker_id", workerID)

				for job := range q.ch {
					res, err := q.pipeline.Ingest(context.Background(), job.Attachment)
					if err != nil {
						q.logger.Error("queue.ingest.error",
							"worker_id", workerID,
							"message_id", job.Attachment.MessageID,
							"invoice_id", res.InvoiceID,
							"error", err,
						)
						continue
					}
					q.logger.Info("queue.ingest.ok",
						"worker_id", workerID,
						"message_id", job.Attachment.MessageID,
						"invoice_id", res.InvoiceID,
						"status", string(res.Status),
						"dedup", res.Dedup,
						"wait", time.Since(job.SubmittedAt).String(),
					)
				}

				q.logger.Info("queue.worker.stop", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// Enqueue adds a job, blocking for backpressure when the buffer is full
// until the context expires. After shutdown begins, jobs are dropped with
// a warning rather than lost to a panic on the closed channel.
//
// The read lock is held across the send so Shutdown cannot close the
// channel under a blocked sender; workers keep draining until the channel
// is closed, so blocked sends resolve or their context expires.
func (q *Queue) Enqueue(ctx context.Context, att Attachment) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.logger.Warn("queue.enqueue.rejected", "message_id", att.MessageID)
		return nil
	}
	job := Job{Attachment: att, SubmittedAt: time.Now()}
	select {
	case q.ch <- job:
		return nil
	default:
	}
	q.logger.Warn("queue.backpressure", "message_id", att.MessageID)
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		q.logger.Warn("queue.enqueue.cancelled", "message_id", att.MessageID, "error", ctx.Err())
		return ctx.Err()
	}
}

// Shutdown stops intake and waits for in-flight jobs to drain, bounded by
// the context.
func (q *Queue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("queue.shutdown.interrupted")
	case <-done:
		q.logger.Info("queue.shutdown.drained")
	}
}
