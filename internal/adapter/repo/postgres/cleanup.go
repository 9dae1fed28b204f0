package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/iconicxs/relicxs-workers/internal/domain"
)

// CleanupService removes terminal jobgroups past the retention window.
type CleanupService struct {
	Jobgroups     domain.JobgroupRepository
	RetentionDays int
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(repo domain.JobgroupRepository, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &CleanupService{Jobgroups: repo, RetentionDays: retentionDays}
}

// CleanupOldData removes data older than retention period
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)
	deleted, err := s.Jobgroups.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobgroups", deleted),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic starts a periodic cleanup job
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
