package limits

import (
	"os"
	"strconv"
	"strings"
)

// DetectMemoryLimit reads the container memory limit from the cgroup
// filesystem, trying cgroup v2 (/sys/fs/cgroup/memory.max) before falling
// back to cgroup v1 (/sys/fs/cgroup/memory/memory.limit_in_bytes).
// Returns 0 with a nil error when no limit is detected (bare metal, VMs,
// unconstrained containers).
func DetectMemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}

	return 0, nil
}

// DefaultMaxConnections derives a conservative connection ceiling from a
// detected container memory limit, reserving headroom for the runtime and
// budgeting ~48KB per connection (send channel, outbound permits, worker
// queue slot, subscription table entries).
func DefaultMaxConnections(memoryLimitBytes int64) int {
	if memoryLimitBytes <= 0 {
		return 10000
	}

	const runtimeOverheadBytes = 128 * 1024 * 1024
	const bytesPerConnection = 48 * 1024

	available := memoryLimitBytes - runtimeOverheadBytes
	if available < 0 {
		available = memoryLimitBytes / 2
	}

	maxConns := int(available / bytesPerConnection)
	if maxConns < 100 {
		maxConns = 100
	}
	if maxConns > 50000 {
		maxConns = 50000
	}
	return maxConns
}
