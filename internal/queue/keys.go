// Package queue implements the namespaced FIFO job queues over the Redis
// list store, the priority router, and the legacy key migration.
package queue

import (
	"github.com/iconicxs/relicxs-workers/internal/domain"
)

// Queue key set. Producers left-push, consumers right-pop (FIFO).
const (
	KeyMachinistInstant  = "jobs:machinist:instant"
	KeyMachinistStandard = "jobs:machinist:standard"
	KeyArchivistInstant  = "jobs:archivist:instant"
	KeyArchivistStandard = "jobs:archivist:standard"
	KeyArchivistJobgroup = "jobs:archivist:jobgroup"

	KeyDLQMachinist = "dlq:machinist"
	KeyDLQArchivist = "dlq:archivist"
)

// Legacy shared keys recognized only by the one-shot migration.
const (
	legacyKeyInstant  = "jobs:instant"
	legacyKeyStandard = "jobs:standard"
	legacyKeyJobgroup = "jobs:jobgroup"
)

// AllQueueKeys is the fixed six-queue set (worker lanes), in priority order
// per worker.
var AllQueueKeys = []string{
	KeyMachinistInstant,
	KeyMachinistStandard,
	KeyArchivistInstant,
	KeyArchivistStandard,
	KeyArchivistJobgroup,
}

// AllDLQKeys lists the dead-letter lists.
var AllDLQKeys = []string{KeyDLQMachinist, KeyDLQArchivist}

// MachinistQueues returns the machinist consumption order (strict priority).
func MachinistQueues() []string {
	return []string{KeyMachinistInstant, KeyMachinistStandard}
}

// ArchivistQueues returns the archivist consumption order (strict priority).
func ArchivistQueues() []string {
	return []string{KeyArchivistInstant, KeyArchivistStandard, KeyArchivistJobgroup}
}

// DLQKey returns the dead-letter key for a worker.
func DLQKey(w domain.Worker) string {
	if w == domain.WorkerMachinist {
		return KeyDLQMachinist
	}
	return KeyDLQArchivist
}

// dlqKeyForQueue maps a jobs:* key to its worker's DLQ for parse-error
// redirection.
func dlqKeyForQueue(queueKey string) string {
	switch queueKey {
	case KeyMachinistInstant, KeyMachinistStandard:
		return KeyDLQMachinist
	default:
		return KeyDLQArchivist
	}
}

// IsKnownQueue reports whether key belongs to the fixed queue or DLQ set.
func IsKnownQueue(key string) bool {
	for _, k := range AllQueueKeys {
		if k == key {
			return true
		}
	}
	for _, k := range AllDLQKeys {
		if k == key {
			return true
		}
	}
	return false
}
