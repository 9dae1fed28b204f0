package jobgroup

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/iconicxs/relicxs-workers/internal/adapter/observability"
	"github.com/iconicxs/relicxs-workers/internal/domain"
)

// Poller drives jobgroups to completion. Cycles are serialized across
// processes by the distributed lock; the interval adapts between active
// and idle cadence.
type Poller struct {
	Service *Service

	poke chan struct{}
}

// NewPoller builds a Poller and wires the service's poke channel.
func NewPoller(svc *Service) *Poller {
	p := &Poller{Service: svc, poke: make(chan struct{}, 1)}
	svc.PokePoller = p.Poke
	return p
}

// Poke requests one immediate cycle; coalesces when one is pending.
func (p *Poller) Poke() {
	select {
	case p.poke <- struct{}{}:
	default:
	}
}

// Run loops until ctx is done.
func (p *Poller) Run(ctx domain.Context) {
	slog.Info("jobgroup poller starting",
		slog.Duration("active_interval", p.Service.Cfg.JobgroupPollActiveInterval()),
		slog.Duration("idle_interval", p.Service.Cfg.JobgroupPollIdleInterval()))
	for {
		active := p.PollOnce(ctx)
		interval := p.Service.Cfg.JobgroupPollIdleInterval()
		if active {
			interval = p.Service.Cfg.JobgroupPollActiveInterval()
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("jobgroup poller stopping")
			return
		case <-p.poke:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// PollOnce runs one cycle and reports whether any jobgroup is still
// non-terminal (drives the adaptive interval).
func (p *Poller) PollOnce(ctx domain.Context) (active bool) {
	observability.JobgroupPollCyclesTotal.Inc()
	s := p.Service

	held, _ := s.Lock.Acquire(ctx)
	if !held {
		slog.Debug("jobgroup poll skipped, lock held elsewhere")
		return false
	}
	defer s.Lock.Release(ctx)

	groups, err := s.Jobgroups.ListByStatus(ctx, domain.NonTerminalStatuses...)
	if err != nil {
		slog.Error("jobgroup list failed", slog.Any("error", err))
		return false
	}
	if len(groups) == 0 {
		return false
	}

	if s.Cfg.JobgroupMockDir != "" {
		p.pollMockDir(ctx, groups)
		return true
	}

	for _, g := range groups {
		p.pollOne(ctx, g)
	}
	return true
}

// pollOne retrieves the remote state for one jobgroup and advances it.
func (p *Poller) pollOne(ctx domain.Context, g domain.Jobgroup) {
	s := p.Service
	remote, err := s.Model.GetJobgroup(ctx, g.ExternalJobgroupID)
	if err != nil {
		slog.Error("remote jobgroup status fetch failed",
			slog.String("jobgroup_id", g.ID), slog.Any("error", err))
		return
	}
	switch remote.Status {
	case "completed":
		if remote.OutputFileID != "" {
			if err := s.Jobgroups.SetOutputFile(ctx, g.ID, remote.OutputFileID); err != nil {
				slog.Error("output file persist failed", slog.String("jobgroup_id", g.ID), slog.Any("error", err))
				return
			}
			g.OutputFileID = remote.OutputFileID
		}
		data, err := s.Model.FileContent(ctx, g.OutputFileID)
		if err != nil {
			slog.Error("output file fetch failed", slog.String("jobgroup_id", g.ID), slog.Any("error", err))
			return
		}
		s.ProcessResults(ctx, g, data)
	case "failed", "expired", "cancelled":
		notes, _ := json.Marshal(map[string]string{"remote_status": remote.Status})
		if _, err := s.Jobgroups.UpdateStatus(ctx, g.ID, domain.JobgroupFailed, notes); err != nil {
			slog.Error("jobgroup fail transition failed", slog.String("jobgroup_id", g.ID), slog.Any("error", err))
			return
		}
		s.Audit.Record("failed", map[string]any{"jobgroup_id": g.ID, "tenant_id": g.TenantID, "remote_status": remote.Status})
		if s.Webhook != nil {
			s.Webhook.Notify(ctx, "jobgroup.failed", map[string]any{"jobgroup_id": g.ID, "tenant_id": g.TenantID})
		}
	default:
		if g.Status != domain.JobgroupInProgress {
			if _, err := s.Jobgroups.UpdateStatus(ctx, g.ID, domain.JobgroupInProgress, nil); err != nil {
				slog.Warn("jobgroup progress transition failed", slog.String("jobgroup_id", g.ID), slog.Any("error", err))
			}
		}
	}
}

// pollMockDir reads output files from disk instead of the remote API;
// used in development and tests. A file named <jobgroup_id>.jsonl marks
// the jobgroup complete with that output.
func (p *Poller) pollMockDir(ctx domain.Context, groups []domain.Jobgroup) {
	s := p.Service
	for _, g := range groups {
		path := filepath.Join(s.Cfg.JobgroupMockDir, g.ID+".jsonl")
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("mock output read failed", slog.String("path", path), slog.Any("error", err))
			}
			continue
		}
		slog.Info("mock output found", slog.String("jobgroup_id", g.ID), slog.String("path", path))
		s.ProcessResults(ctx, g, data)
	}
}

// SweepStuck transitions jobgroups that have sat non-terminal since
// before cutoff to expired. Run periodically from the archivist process.
func (s *Service) SweepStuck(ctx domain.Context, cutoff time.Time) {
	groups, err := s.Jobgroups.ListNonTerminalBefore(ctx, cutoff)
	if err != nil {
		slog.Error("stuck jobgroup sweep failed", slog.Any("error", err))
		return
	}
	for _, g := range groups {
		notes, _ := json.Marshal(map[string]string{"expired_reason": "stuck past deadline"})
		if _, err := s.Jobgroups.UpdateStatus(ctx, g.ID, domain.JobgroupExpired, notes); err != nil {
			slog.Error("stuck jobgroup transition failed", slog.String("jobgroup_id", g.ID), slog.Any("error", err))
			continue
		}
		slog.Warn("jobgroup expired by sweeper",
			slog.String("jobgroup_id", g.ID),
			slog.Time("created_at", g.CreatedAt))
		s.Audit.Record("failed", map[string]any{"jobgroup_id": g.ID, "tenant_id": g.TenantID, "reason": "expired"})
		if s.Webhook != nil {
			s.Webhook.Notify(ctx, "jobgroup.failed", map[string]any{"jobgroup_id": g.ID, "reason": "expired"})
		}
	}
}
