package shim

import (
	"context"
	"fmt"

	"github.com/containerd/cgroups/v3/cgroup2"
	"github.com/cruciblehq/ross/internal/clock"
)

// Stats reads a single cgroup-sourced usage sample for a running
// container, from the unified-hierarchy group runc created it under
// (cgroupPath, set on the generated spec at Create time).
func (s *Shim) Stats(ctx context.Context, id string) (Stats, error) {
	rec, err := s.get(id)
	if err != nil {
		return Stats{}, classify(err)
	}
	if rec.Info.State != StateRunning {
		return Stats{}, classify(fmt.Errorf("%w: container %s is not running", ErrInvalidState, id))
	}

	manager, err := cgroup2.Load(cgroupPath(id))
	if err != nil {
		return Stats{}, fmt.Errorf("%w: load cgroup: %v", ErrRuntime, err)
	}
	metrics, err := manager.Stat()
	if err != nil {
		return Stats{}, fmt.Errorf("%w: read cgroup stats: %v", ErrRuntime, err)
	}

	out := Stats{Timestamp: clock.Now()}
	if metrics.CPU != nil {
		out.CPUUsageNs = metrics.CPU.UsageUsec * 1000
	}
	if metrics.Memory != nil {
		out.MemoryBytes = metrics.Memory.Usage
		out.MemoryLimit = metrics.Memory.UsageLimit
	}
	if metrics.Io != nil {
		for _, entry := range metrics.Io.Usage {
			out.BlockRead += entry.Rbytes
			out.BlockWrite += entry.Wbytes
		}
	}

	return out, nil
}
