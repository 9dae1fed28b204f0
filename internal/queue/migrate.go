package queue

import (
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/iconicxs/relicxs-workers/internal/domain"
)

// MigrationReport summarizes a legacy-key drain.
type MigrationReport struct {
	Moved      map[string]int
	DeadLetter int
}

// MigrateLegacyKeys drains the pre-namespacing shared keys, classifies each
// entry by job_type/shape, and left-pushes onto the appropriate namespaced
// key. One-shot utility; safe to re-run (drained keys stay empty).
func (q *Queue) MigrateLegacyKeys(ctx domain.Context) (MigrationReport, error) {
	report := MigrationReport{Moved: map[string]int{}}
	for _, legacy := range []string{legacyKeyInstant, legacyKeyStandard, legacyKeyJobgroup} {
		for {
			raw, err := q.rdb.RPop(ctx, legacy).Bytes()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return report, domain.NewStoreError(true, "queue.migrate pop "+legacy, err)
			}
			job, derr := domain.DecodeJob(raw)
			if derr != nil {
				slog.Warn("legacy entry is unclassifiable, dead-lettering",
					slog.String("legacy_key", legacy),
					slog.Any("error", derr))
				q.PushRawDLQ(ctx, KeyDLQArchivist, raw)
				report.DeadLetter++
				continue
			}
			dest, rerr := ResolveQueue(job)
			if rerr != nil {
				slog.Warn("legacy entry does not route, dead-lettering",
					slog.String("legacy_key", legacy),
					slog.Any("error", rerr))
				q.PushRawDLQ(ctx, DLQKey(job.Worker()), raw)
				report.DeadLetter++
				continue
			}
			if err := q.rdb.LPush(ctx, dest, raw).Err(); err != nil {
				return report, domain.NewStoreError(true, "queue.migrate push "+dest, err)
			}
			report.Moved[dest]++
		}
		slog.Info("legacy queue drained", slog.String("legacy_key", legacy))
	}
	return report, nil
}
