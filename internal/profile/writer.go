package profile

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/vendor-tracking/internal/observability"
)

type writeJob struct {
	userID string
	fields VendorFields
}

// Writer mirrors live changes into the profile store in the background. A
// single goroutine drains the queue so a vendor's writes land in order; when
// the queue is full the update is dropped and counted.
type Writer struct {
	store   Store
	jobs    chan writeJob
	timeout time.Duration
	logger  *slog.Logger
}

func NewWriter(store Store, queue int, logger *slog.Logger) *Writer {
	if queue <= 0 {
		queue = 1024
	}
	return &Writer{store: store, jobs: make(chan writeJob, queue), timeout: 5 * time.Second, logger: logger}
}

// Enqueue schedules fields to be written for userID. It never blocks.
func (w *Writer) Enqueue(userID string, fields VendorFields) bool {
	select {
	case w.jobs <- writeJob{userID: userID, fields: fields}:
		return true
	default:
		observability.ProfileWriteErrors.Inc()
		w.logger.Warn("profile write queue full, dropping update", "user_id", userID)
		return false
	}
}

// Run drains the queue until ctx is done, then flushes what is left.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case job := <-w.jobs:
			w.write(job)
		case <-ctx.Done():
			for {
				select {
				case job := <-w.jobs:
					w.write(job)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(job writeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if _, err := w.store.UpdateVendorFields(ctx, job.userID, job.fields); err != nil {
		observability.ProfileWriteErrors.Inc()
		w.logger.Error("profile write failed", "user_id", job.userID, "error", err)
	}
}
