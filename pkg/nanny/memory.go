package nanny

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/prometheus/procfs"
)

// SystemMemory returns the total memory of this host in bytes
func SystemMemory() (int64, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, err
	}
	info, err := fs.Meminfo()
	if err != nil {
		return 0, err
	}
	if info.MemTotal == nil {
		return 0, fmt.Errorf("MemTotal missing from meminfo")
	}
	return int64(*info.MemTotal) * 1024, nil
}

// ParseMemoryLimit turns a memory limit spec into bytes. "auto" gives the
// worker its share of total by thread count, a bare number in (0, 1] is a
// fraction of total, anything else is a byte size. The result never exceeds
// total when total is known.
func ParseMemoryLimit(spec string, nthreads, cores int, total int64) (int64, error) {
	spec = strings.TrimSpace(spec)
	var limit int64
	switch f, err := strconv.ParseFloat(spec, 64); {
	case strings.EqualFold(spec, "auto"):
		if total <= 0 {
			return 0, fmt.Errorf("%w: memory limit auto needs the system memory size", types.ErrConfiguration)
		}
		limit = total
		if cores > 0 && nthreads < cores {
			limit = total * int64(nthreads) / int64(cores)
		}
	case err == nil && f > 0 && f <= 1:
		if total <= 0 {
			return 0, fmt.Errorf("%w: fractional memory limit needs the system memory size", types.ErrConfiguration)
		}
		limit = int64(f * float64(total))
	default:
		if limit, err = config.ParseBytes(spec); err != nil {
			return 0, fmt.Errorf("%w: %v", types.ErrConfiguration, err)
		}
	}
	if total > 0 && limit > total {
		limit = total
	}
	return limit, nil
}
