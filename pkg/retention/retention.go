// Package retention decides which checkpoints to keep. Named checkpoints are
// never evicted; unnamed ones are bounded per subject by a rolling window and
// globally by a storage ceiling.
package retention

import (
	"slices"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"github.com/deckrewind/rewind/pkg/types"
)

// Store is the part of the checkpoint store retention needs.
type Store interface {
	List(subjectID string) ([]types.Checkpoint, error)
	ListAll() ([]types.Checkpoint, error)
	Delete(id string) (bool, error)
}

// Report summarizes one enforcement pass.
type Report struct {
	Deleted    []string
	Failed     []string
	FreedBytes int64
}

func (r *Report) merge(other Report) {
	r.Deleted = append(r.Deleted, other.Deleted...)
	r.Failed = append(r.Failed, other.Failed...)
	r.FreedBytes += other.FreedBytes
}

// Policy bundles the retention settings.
type Policy struct {
	MaxRolling    int
	MaxTotalBytes int64
	Blacklist     []string
	Whitelist     []string
}

// PolicyFromConfig extracts the retention settings from the daemon config.
func PolicyFromConfig(cfg *types.Config) Policy {
	return Policy{
		MaxRolling:    cfg.RollingLimit(),
		MaxTotalBytes: cfg.MaxTotalStorageBytes,
		Blacklist:     cfg.SubjectBlacklist,
		Whitelist:     cfg.SubjectWhitelist,
	}
}

// Eligible reports whether subjectID may be checkpointed automatically.
// The blacklist wins; a non-empty whitelist restricts to its members.
func (p Policy) Eligible(subjectID string) bool {
	if slices.Contains(p.Blacklist, subjectID) {
		return false
	}
	if len(p.Whitelist) > 0 {
		return slices.Contains(p.Whitelist, subjectID)
	}
	return true
}

// Due reports whether an automatic checkpoint is due given the time of the
// last one. A zero last time is always due.
func Due(last, now time.Time, interval time.Duration) bool {
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= interval
}

// Enforce applies the rolling window for subjectID, then the global ceiling.
func (p Policy) Enforce(store Store, subjectID string, log logr.Logger) Report {
	report := EnforceRollingWindow(store, subjectID, p.MaxRolling, log)
	report.merge(EnforceStorageCeiling(store, p.MaxTotalBytes, log))
	return report
}

// EnforceRollingWindow keeps the n newest unnamed checkpoints of subjectID
// and deletes the rest, oldest first. Deletion failures are logged and
// skipped.
func EnforceRollingWindow(store Store, subjectID string, n int, log logr.Logger) Report {
	var report Report
	if n < 0 {
		n = 0
	}
	checkpoints, err := store.List(subjectID)
	if err != nil {
		log.Error(err, "Failed to list checkpoints for rolling window", "subject", subjectID)
		return report
	}

	var unnamed []types.Checkpoint
	for _, c := range checkpoints {
		if !c.Named {
			unnamed = append(unnamed, c)
		}
	}
	if len(unnamed) <= n {
		return report
	}

	excess := unnamed[n:]
	for i := len(excess) - 1; i >= 0; i-- {
		deleteOne(store, excess[i], &report, "rolling window", log)
	}
	return report
}

// EnforceStorageCeiling deletes unnamed checkpoints across all subjects,
// oldest first, until the total size is at most maxBytes or no unnamed
// checkpoint remains. maxBytes == 0 disables the ceiling.
func EnforceStorageCeiling(store Store, maxBytes int64, log logr.Logger) Report {
	var report Report
	if maxBytes <= 0 {
		return report
	}
	all, err := store.ListAll()
	if err != nil {
		log.Error(err, "Failed to list checkpoints for storage ceiling")
		return report
	}

	var total int64
	var unnamed []types.Checkpoint
	for _, c := range all {
		total += c.SizeBytes
		if !c.Named {
			unnamed = append(unnamed, c)
		}
	}
	if total <= maxBytes {
		return report
	}

	sort.SliceStable(unnamed, func(i, j int) bool {
		if unnamed[i].Timestamp != unnamed[j].Timestamp {
			return unnamed[i].Timestamp < unnamed[j].Timestamp
		}
		return unnamed[i].ID < unnamed[j].ID
	})
	for _, c := range unnamed {
		if total <= maxBytes {
			break
		}
		if deleteOne(store, c, &report, "storage ceiling", log) {
			total -= c.SizeBytes
		}
	}
	if total > maxBytes {
		log.Info("Storage ceiling still exceeded, only named checkpoints remain",
			"total_bytes", total,
			"max_bytes", maxBytes,
		)
	}
	return report
}

func deleteOne(store Store, c types.Checkpoint, report *Report, reason string, log logr.Logger) bool {
	removed, err := store.Delete(c.ID)
	if err != nil {
		log.Error(err, "Failed to evict checkpoint", "id", c.ID, "reason", reason)
		report.Failed = append(report.Failed, c.ID)
		return false
	}
	if removed {
		log.V(1).Info("Evicted checkpoint", "id", c.ID, "reason", reason, "size_bytes", c.SizeBytes)
		report.Deleted = append(report.Deleted, c.ID)
		report.FreedBytes += c.SizeBytes
	}
	return true
}
