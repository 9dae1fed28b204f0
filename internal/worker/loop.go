package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/iconicxs/relicxs-workers/internal/domain"
	"github.com/iconicxs/relicxs-workers/internal/queue"
)

const (
	machinistBlockTimeout = 30 * time.Second
	archivistIdleSleep    = 1 * time.Second
	loopErrorSleep        = 5 * time.Second
)

// Handler processes one decoded job; fromQueue names the source lane.
type Handler func(ctx domain.Context, job domain.Job, fromQueue string) error

// Loop is the single-consumer polling loop for one worker process. Jobs are
// dispatched sequentially; ordering within the worker is strict priority
// over Queues, and starvation of later lanes is acceptable by design.
type Loop struct {
	Worker   domain.Worker
	Queues   []string
	Queue    *queue.Queue
	Envelope *Envelope
	Handle   Handler
	// Blocking selects BRPOP over the lanes (machinist); otherwise the loop
	// scans lanes non-blocking and sleeps when all are empty (archivist,
	// which interleaves the jobgroup poller without head-of-line blocking).
	Blocking bool

	stopping atomic.Bool
}

// Stop requests a cooperative shutdown; the loop exits at the top of its
// next iteration without interrupting the in-flight job.
func (l *Loop) Stop() { l.stopping.Store(true) }

// Run consumes until ctx is cancelled or Stop is called. In-flight jobs run
// to completion or to their retry/DLQ terminal.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("worker loop starting",
		slog.String("worker", string(l.Worker)),
		slog.Any("queues", l.Queues),
		slog.Bool("blocking", l.Blocking))
	for {
		if l.stopping.Load() || ctx.Err() != nil {
			slog.Info("worker loop stopping", slog.String("worker", string(l.Worker)))
			return ctx.Err()
		}
		fromQueue, job, ok, err := l.next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				continue
			}
			// Unrecoverable loop errors (store disconnects) back off briefly.
			slog.Error("worker loop error, backing off",
				slog.String("worker", string(l.Worker)),
				slog.Any("error", err))
			sleepCtx(ctx, loopErrorSleep)
			continue
		}
		if !ok {
			if !l.Blocking {
				sleepCtx(ctx, archivistIdleSleep)
			}
			continue
		}
		// Handler errors have already been metered and dead-lettered by the
		// envelope; the loop swallows them and continues.
		if herr := l.dispatch(ctx, job, fromQueue); herr != nil {
			slog.Debug("job handler terminal failure",
				slog.String("worker", string(l.Worker)),
				slog.String("queue", fromQueue),
				slog.Any("error", herr))
		}
	}
}

func (l *Loop) next(ctx context.Context) (string, domain.Job, bool, error) {
	if l.Blocking {
		return l.Queue.BlockingPop(ctx, l.Queues, machinistBlockTimeout)
	}
	for _, key := range l.Queues {
		job, ok, err := l.Queue.Pop(ctx, key)
		if err != nil {
			return "", nil, false, err
		}
		if ok {
			return key, job, true, nil
		}
	}
	return "", nil, false, nil
}

func (l *Loop) dispatch(ctx context.Context, job domain.Job, fromQueue string) error {
	if job.Worker() != l.Worker {
		// Misrouted payload; redact and dead-letter rather than process.
		slog.Warn("job for wrong worker found on queue",
			slog.String("queue", fromQueue),
			slog.String("job_worker", string(job.Worker())),
			slog.String("loop_worker", string(l.Worker)))
		l.Envelope.SendToDLQ(ctx, job, "misrouted: "+fromQueue)
		return nil
	}
	return l.Envelope.Run(ctx, job, func(c domain.Context) error {
		return l.Handle(c, job, fromQueue)
	})
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
