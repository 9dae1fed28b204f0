package queue

import (
	"github.com/iconicxs/relicxs-workers/internal/domain"
)

// ResolveQueue validates the job's shape and maps (worker, priority) to a
// queue key. Machinist jobs never run in the jobgroup lane.
func ResolveQueue(job domain.Job) (string, error) {
	if job == nil {
		return "", domain.NewRoutingError("NIL_JOB", "job is nil")
	}
	if job.Tenant() == "" {
		return "", domain.NewValidationError("MISSING_FIELD", "tenant_id", "tenant_id is required")
	}
	worker := job.Worker()
	priority := job.Priority()

	switch worker {
	case domain.WorkerMachinist:
		switch priority {
		case domain.PriorityInstant:
			return KeyMachinistInstant, nil
		case domain.PriorityJobgroup:
			return "", domain.NewRoutingError("unsupported_priority", "machinist jobs cannot run in the jobgroup lane")
		default:
			return KeyMachinistStandard, nil
		}
	case domain.WorkerArchivist:
		switch priority {
		case domain.PriorityInstant:
			return KeyArchivistInstant, nil
		case domain.PriorityJobgroup:
			return KeyArchivistJobgroup, nil
		default:
			return KeyArchivistStandard, nil
		}
	default:
		return "", domain.NewRoutingError("UNKNOWN_WORKER", "worker "+string(worker)+" does not map to a queue")
	}
}
